// Package redisfeed carries change notifications over Redis pub/sub.
package redisfeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Feed struct {
	client *redis.Client
}

func New(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func (f *Feed) Publish(ctx context.Context, topic string, payload []byte) error {
	log := observability.GetLogger(ctx)
	log.Debug("redisfeed: publishing", zap.String("topic", topic))
	return f.client.Publish(ctx, topic, payload).Err()
}

// Subscribe pattern-subscribes so glob topics work the same as on the hub.
// The subscription is confirmed before Subscribe returns.
func (f *Feed) Subscribe(ctx context.Context, pattern string, fn func(feed.RawEvent)) (func(), error) {
	pubsub := f.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	loopCtx, stop := context.WithCancel(ctx)

	go func() {
		log := observability.GetLogger(loopCtx)
		log.Info("redisfeed: subscribed", zap.String("pattern", pattern))

		ch := pubsub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				log.Info("redisfeed: subscription loop stopping", zap.String("pattern", pattern))
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn("redisfeed: pubsub channel closed", zap.String("pattern", pattern))
					return
				}
				var ev feed.RawEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn("redisfeed: malformed event dropped",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				fn(ev)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = pubsub.Close()
		})
	}
	return cancel, nil
}

func (f *Feed) PingContext(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
