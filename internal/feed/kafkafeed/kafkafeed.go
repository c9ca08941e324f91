// Package kafkafeed carries change notifications over a single Kafka topic.
// The logical feed topic travels in a record header and is fanned out to
// local subscribers through an in-process hub.
package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const topicHeader = "feed-topic"

type recordCarrier struct {
	record *kgo.Record
}

func (c recordCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c recordCarrier) Set(key string, value string) {
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{
		Key:   key,
		Value: []byte(value),
	})
}

func (c recordCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

type Feed struct {
	*feed.Hub
	client *kgo.Client
	topic  string
	log    *zap.Logger
}

// New connects to brokers. Consumption starts at the end of the topic: the
// feed only carries changes made after the process is live.
func New(brokers []string, topic string, log *zap.Logger) (*Feed, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, err
	}
	return &Feed{
		Hub:    feed.NewHub(log),
		client: cl,
		topic:  topic,
		log:    log,
	}, nil
}

// Publish produces payload synchronously with the trace context injected into
// the record headers.
func (f *Feed) Publish(ctx context.Context, topic string, payload []byte) error {
	rec := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(topic),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: topicHeader, Value: []byte(topic)},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, recordCarrier{record: rec})
	return f.client.ProduceSync(ctx, rec).FirstErr()
}

// Start runs the poll loop until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) {
	go func() {
		log := observability.GetLogger(ctx)
		log.Info("kafkafeed: consumer started", zap.String("topic", f.topic))
		for {
			select {
			case <-ctx.Done():
				log.Info("kafkafeed: consumer loop stopping: context canceled")
				return
			default:
				fetches := f.client.PollFetches(ctx)
				if fetches.IsClientClosed() {
					return
				}
				if errs := fetches.Errors(); len(errs) > 0 {
					for _, ferr := range errs {
						if errors.Is(ferr.Err, context.Canceled) {
							return
						}
						log.Error("kafkafeed: fetch error",
							zap.String("topic", ferr.Topic),
							zap.Int32("partition", ferr.Partition),
							zap.Error(ferr.Err),
						)
					}
					continue
				}

				fetches.EachRecord(func(r *kgo.Record) {
					rctx := otel.GetTextMapPropagator().Extract(ctx, recordCarrier{record: r})
					f.handle(rctx, r)
				})
			}
		}
	}()
}

func (f *Feed) handle(ctx context.Context, r *kgo.Record) {
	topic := recordCarrier{record: r}.Get(topicHeader)
	if topic == "" {
		topic = string(r.Key)
	}
	var ev feed.RawEvent
	if err := json.Unmarshal(r.Value, &ev); err != nil {
		observability.GetLogger(ctx).Warn("kafkafeed: malformed record dropped",
			zap.String("topic", topic),
			zap.Int64("offset", r.Offset),
			zap.Error(err),
		)
		return
	}
	f.Deliver(topic, ev)
}

func (f *Feed) PingContext(ctx context.Context) error {
	return f.client.Ping(ctx)
}

func (f *Feed) Close() {
	if f.client != nil {
		f.client.Close()
	}
}
