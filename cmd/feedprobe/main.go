// Command feedprobe checks a change feed end to end: it writes one message
// document whose events go to the configured feed, and waits for the
// consumer to decode it back.
package main

import (
	"context"
	"os"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/config"
	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed/kafkafeed"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed/redisfeed"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/SARVESHVARADKAR123/peersync/internal/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type probeFeed interface {
	feed.Transport
	feed.Publisher
}

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.ServiceName+"-feedprobe", cfg.LogLevel)
	log := observability.Log

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var fb probeFeed
	switch cfg.FeedBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		fb = redisfeed.New(client)
	case config.BackendKafka:
		kf, err := kafkafeed.New(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Fatal("failed to create kafka feed", zap.Error(err))
		}
		defer kf.Close()
		kf.Start(ctx)
		fb = kf
	default:
		fb = feed.NewHub(log)
	}

	consumer := feed.NewConsumer(fb, repository.EventDecoder(repository.Collections{
		Messages: cfg.MessagesCollection,
		Calls:    cfg.CallsCollection,
	}), log)
	defer consumer.Close()

	received := make(chan domain.Message, 1)
	sub, err := consumer.Subscribe(ctx,
		feed.Topic(cfg.DatabaseID, cfg.MessagesCollection),
		feed.Filter{Collection: cfg.MessagesCollection, Ops: []domain.Operation{domain.OpCreate}},
		func(ctx context.Context, ev domain.Event) error {
			if mc, ok := ev.(domain.MessageCreated); ok {
				select {
				case received <- mc.Message:
				default:
				}
			}
			return nil
		},
	)
	if err != nil {
		log.Fatal("subscribe failed", zap.Error(err))
	}
	defer sub.Close()

	repo := repository.NewMessageRepository(docstore.NewMemory(cfg.DatabaseID, fb), cfg.MessagesCollection)
	m, err := domain.NewMessage(uuid.NewString(), "probe-a", "probe-b", domain.KindText, "probe", "", time.Now())
	if err != nil {
		log.Fatal("build probe message", zap.Error(err))
	}
	start := time.Now()
	if _, err := repo.CreateMessage(ctx, *m); err != nil {
		log.Fatal("write probe message", zap.Error(err))
	}

	select {
	case got := <-received:
		log.Info("feed round trip ok",
			zap.String("backend", cfg.FeedBackend),
			zap.String("message_id", got.ID),
			zap.Duration("latency", time.Since(start)),
		)
	case <-ctx.Done():
		log.Error("feed round trip timed out", zap.String("backend", cfg.FeedBackend))
		os.Exit(1)
	}
}
