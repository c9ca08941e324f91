package feed

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Transport delivers raw events for topics matching pattern until the
// returned cancel func is called. Delivery order is the order received.
type Transport interface {
	Subscribe(ctx context.Context, pattern string, fn func(RawEvent)) (cancel func(), err error)
}

// Publisher pushes an encoded RawEvent onto topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

const hubBufferSize = 256

// Hub is an in-process Transport and Publisher. Each subscription gets its own
// ordered queue; a full queue drops the event, as a real feed may.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[uint64]*hubSub
	next uint64
}

type hubSub struct {
	pattern string
	ch      chan RawEvent
	done    chan struct{}
	once    sync.Once
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[uint64]*hubSub),
	}
}

func (h *Hub) Subscribe(ctx context.Context, pattern string, fn func(RawEvent)) (func(), error) {
	s := &hubSub{
		pattern: pattern,
		ch:      make(chan RawEvent, hubBufferSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = s
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case ev := <-s.ch:
				fn(ev)
			}
		}
	}()

	cancel := func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.done)
		})
	}
	return cancel, nil
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	var ev RawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	h.Deliver(topic, ev)
	return nil
}

// Deliver fans ev out to every subscription whose pattern matches topic.
func (h *Hub) Deliver(topic string, ev RawEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !MatchTopic(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("feed hub: subscriber queue full, dropping event",
				zap.String("topic", topic),
				zap.Strings("events", ev.Events),
			)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) PingContext(ctx context.Context) error {
	return nil
}
