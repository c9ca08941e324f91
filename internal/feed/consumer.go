package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"go.uber.org/zap"
)

// Handler receives typed events. A returned error is logged; it never ends
// the subscription.
type Handler func(ctx context.Context, ev domain.Event) error

// Decoder maps one raw payload of a known collection to a domain event.
type Decoder func(collection string, op domain.Operation, payload json.RawMessage) (domain.Event, error)

// ErrUnknownCollection is returned by decoders for payloads they do not own.
var ErrUnknownCollection = errors.New("unknown collection")

// Filter selects the events a listener wants. An empty Ops accepts all.
type Filter struct {
	Collection string
	Ops        []domain.Operation
}

func (f Filter) accepts(collection string, op domain.Operation) bool {
	if f.Collection != "" && f.Collection != collection {
		return false
	}
	if len(f.Ops) == 0 {
		return true
	}
	for _, o := range f.Ops {
		if o == op {
			return true
		}
	}
	return false
}

const seenTTL = 60 * time.Second

// Consumer holds at most one transport subscription per topic and fans its
// events out to registered listeners.
type Consumer struct {
	transport Transport
	decode    Decoder
	log       *zap.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	nextID uint64
	closed bool

	seenMu sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
}

type topicState struct {
	cancel    func()
	listeners map[uint64]*listener
}

type listener struct {
	filter Filter
	fn     Handler
	closed atomic.Bool
}

func NewConsumer(transport Transport, decode Decoder, log *zap.Logger) *Consumer {
	return &Consumer{
		transport: transport,
		decode:    decode,
		log:       log,
		topics:    make(map[string]*topicState),
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Subscription is the handle returned by Subscribe. Close is idempotent.
type Subscription struct {
	c     *Consumer
	topic string
	id    uint64
	l     *listener
	once  sync.Once
}

// Subscribe registers fn for events on topic that pass filter. The first
// listener on a topic opens the transport subscription.
func (c *Consumer) Subscribe(ctx context.Context, topic string, filter Filter, fn Handler) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, domain.ErrClosed
	}

	ts, ok := c.topics[topic]
	if !ok {
		ts = &topicState{listeners: make(map[uint64]*listener)}
		cancel, err := c.transport.Subscribe(context.WithoutCancel(ctx), topic, func(ev RawEvent) {
			c.dispatch(topic, ev)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		ts.cancel = cancel
		c.topics[topic] = ts
		c.log.Info("feed: transport subscription opened", zap.String("topic", topic))
	}

	c.nextID++
	l := &listener{filter: filter, fn: fn}
	ts.listeners[c.nextID] = l

	return &Subscription{c: c, topic: topic, id: c.nextID, l: l}, nil
}

// Close stops delivery to this listener and releases the transport
// subscription when it was the last listener on the topic.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.l.closed.Store(true)
		s.c.release(s.topic, s.id)
	})
}

func (c *Consumer) release(topic string, id uint64) {
	c.mu.Lock()
	ts, ok := c.topics[topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(ts.listeners, id)
	var cancel func()
	if len(ts.listeners) == 0 {
		cancel = ts.cancel
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.log.Info("feed: transport subscription released", zap.String("topic", topic))
	}
}

// Topics returns the number of open transport subscriptions.
func (c *Consumer) Topics() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

// Close releases every transport subscription.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	topics := c.topics
	c.topics = make(map[string]*topicState)
	c.mu.Unlock()

	for _, ts := range topics {
		for _, l := range ts.listeners {
			l.closed.Store(true)
		}
		ts.cancel()
	}
}

func (c *Consumer) dispatch(topic string, raw RawEvent) {
	op, ok := raw.Operation()
	if !ok {
		c.log.Debug("feed: ignoring event without create/update operation",
			zap.String("topic", topic), zap.Strings("events", raw.Events))
		return
	}
	collection := raw.Collection()

	if key := raw.Key(); key != "" && c.duplicate(topic+"|"+key) {
		c.log.Debug("feed: duplicate delivery dropped", zap.String("key", key))
		return
	}

	c.mu.Lock()
	ts, ok := c.topics[topic]
	var targets []*listener
	if ok {
		for _, l := range ts.listeners {
			if l.filter.accepts(collection, op) {
				targets = append(targets, l)
			}
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	ev, err := c.decode(collection, op, raw.Payload)
	if err != nil {
		c.log.Warn("feed: undecodable event dropped",
			zap.String("collection", collection),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return
	}

	observability.FeedEventsTotal.WithLabelValues(collection, string(op)).Inc()

	for _, l := range targets {
		if l.closed.Load() {
			continue
		}
		c.invoke(collection, l, ev)
	}
}

func (c *Consumer) invoke(collection string, l *listener, ev domain.Event) {
	ctx := context.Background()
	defer func() {
		if rec := recover(); rec != nil {
			observability.FeedHandlerFailuresTotal.WithLabelValues(collection).Inc()
			c.log.Error("feed: listener panic recovered",
				zap.String("collection", collection),
				zap.Any("error", rec),
			)
		}
	}()

	if err := l.fn(ctx, ev); err != nil {
		observability.FeedHandlerFailuresTotal.WithLabelValues(collection).Inc()
		c.log.Error("feed: listener failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}

// duplicate reports whether key was seen within seenTTL and records it.
func (c *Consumer) duplicate(key string) bool {
	now := c.now()

	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	for k, at := range c.seen {
		if now.Sub(at) > seenTTL {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = now
	return false
}
