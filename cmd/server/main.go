package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/config"
	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/docstore/postgres"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed/kafkafeed"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed/redisfeed"
	"github.com/SARVESHVARADKAR123/peersync/internal/media"
	"github.com/SARVESHVARADKAR123/peersync/internal/middleware"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/SARVESHVARADKAR123/peersync/internal/outbox"
	"github.com/SARVESHVARADKAR123/peersync/internal/repository"
	"github.com/SARVESHVARADKAR123/peersync/internal/session"
	"github.com/SARVESHVARADKAR123/peersync/internal/transport/websocket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// feedBackend is a change feed the consumer reads and the store writes.
type feedBackend interface {
	feed.Transport
	feed.Publisher
	observability.Pinger
}

type storeBackend interface {
	docstore.Store
	observability.Pinger
}

func main() {
	cfg := config.Load()

	// Observability
	observability.InitLogger(cfg.ServiceName, cfg.LogLevel)
	log := observability.Log
	defer log.Sync()

	if cfg.TracingEnabled {
		tp, err := observability.InitTracer(cfg.ServiceName, cfg.JaegerURL)
		if err != nil {
			log.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("failed to shutdown tracer provider", zap.Error(err))
			}
		}()
	}

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	fb, closeFeed := initFeed(ctx, cfg, log)
	defer closeFeed()

	store, db := initStore(ctx, cfg, fb, log)
	if db != nil {
		defer db.Close()
		worker := &outbox.Worker{
			DB:        db,
			Publisher: fb,
			Service:   cfg.ServiceName,
			BatchSize: cfg.OutboxBatchSize,
			PollDelay: cfg.OutboxPollDelay,
		}
		go worker.Start(ctx)
	}

	consumer := feed.NewConsumer(fb, repository.EventDecoder(repository.Collections{
		Messages: cfg.MessagesCollection,
		Calls:    cfg.CallsCollection,
	}), log)
	defer consumer.Close()

	reg := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(reg, session.Deps{
		Consumer:           consumer,
		Messages:           repository.NewMessageRepository(store, cfg.MessagesCollection),
		Calls:              repository.NewCallRepository(store, cfg.CallsCollection),
		NewEngine:          func() media.Engine { return media.NewLogEngine(log) },
		DatabaseID:         cfg.DatabaseID,
		MessagesCollection: cfg.MessagesCollection,
		CallsCollection:    cfg.CallsCollection,
		PageSize:           cfg.PageSize,
		MediaAppID:         cfg.MediaAppID,
	}, cfg.ServiceName)

	// Servers
	obsSrv := initObservabilityServer(cfg, store, fb)
	wsSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           initMainRouter(cfg, wsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv, healthSrv := initHealthGRPC(cfg, log)

	startServers(cfg, obsSrv, wsSrv, log)

	<-ctx.Done()
	healthSrv.Shutdown()
	performGracefulShutdown(obsSrv, wsSrv, grpcSrv, reg, log)
}

func setupSignalHandler(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating shutdown", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func initFeed(ctx context.Context, cfg *config.Config, log *zap.Logger) (feedBackend, func()) {
	switch cfg.FeedBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		return redisfeed.New(client), func() { client.Close() }
	case config.BackendKafka:
		kf, err := kafkafeed.New(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Fatal("failed to create kafka feed", zap.Error(err))
		}
		kf.Start(ctx)
		return kf, kf.Close
	default:
		return feed.NewHub(log), func() {}
	}
}

// initStore returns the database handle too when the store is postgres, so
// the outbox worker can drain it.
func initStore(ctx context.Context, cfg *config.Config, fb feedBackend, log *zap.Logger) (storeBackend, *sql.DB) {
	if cfg.StoreBackend != config.BackendPostgres {
		return docstore.NewMemory(cfg.DatabaseID, fb), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	s := postgres.New(db, cfg.DatabaseID)
	if err := s.EnsureSchema(ctx); err != nil {
		log.Fatal("db schema failed", zap.Error(err))
	}
	return s, db
}

func initObservabilityServer(cfg *config.Config, deps ...observability.Pinger) *http.Server {
	mux := chi.NewRouter()
	mux.Use(observability.MetricsMiddleware(cfg.ServiceName))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/health/live", observability.HealthLiveHandler)
	mux.Get("/health/ready", observability.HealthReadyHandler(deps...))
	return &http.Server{Addr: cfg.ObsHTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func initMainRouter(cfg *config.Config, wsHandler *websocket.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(observability.MetricsMiddleware(cfg.ServiceName))
	r.Use(middleware.Recovery())
	r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

	r.Get("/health/live", observability.HealthLiveHandler)

	r.Group(func(p chi.Router) {
		p.Use(middleware.JWT(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience))
		p.Handle("/ws", wsHandler)
	})

	return otelhttp.NewHandler(r, cfg.ServiceName)
}

func initHealthGRPC(cfg *config.Config, log *zap.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	hs := health.NewServer()
	hs.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		log.Info("starting health grpc server", zap.String("addr", cfg.GRPCAddr))
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("failed to listen for grpc", zap.Error(err))
		}
		if err := srv.Serve(lis); err != nil {
			log.Error("health grpc server error", zap.Error(err))
		}
	}()
	return srv, hs
}

func startServers(cfg *config.Config, obsSrv, wsSrv *http.Server, log *zap.Logger) {
	go func() {
		log.Info("starting observability server", zap.String("addr", cfg.ObsHTTPAddr))
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server error", zap.Error(err))
		}
	}()
	go func() {
		log.Info("starting main server", zap.String("addr", cfg.HTTPPort))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()
}

func performGracefulShutdown(obs, ws *http.Server, grpcSrv *grpc.Server, reg *websocket.Registry, log *zap.Logger) {
	log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ws.Shutdown(ctx); err != nil {
		log.Error("error during main server shutdown", zap.Error(err))
	}
	if err := obs.Shutdown(ctx); err != nil {
		log.Error("error during observability server shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	reg.CloseAll()
	log.Info("shutdown complete, exiting")
}
