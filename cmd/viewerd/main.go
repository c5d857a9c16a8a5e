package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caselens/viewercore/internal/api"
	"github.com/caselens/viewercore/internal/events"
	"github.com/caselens/viewercore/internal/extraction"
	"github.com/caselens/viewercore/internal/geometry"
	"github.com/caselens/viewercore/internal/pageindex"
	"github.com/caselens/viewercore/internal/rects"
	"github.com/caselens/viewercore/internal/rotation"
	"github.com/caselens/viewercore/internal/search"
	"github.com/caselens/viewercore/internal/search/remote"
	"github.com/caselens/viewercore/internal/viewerstate"
	"github.com/caselens/viewercore/pkg/config"
	"github.com/caselens/viewercore/pkg/health"
	"github.com/caselens/viewercore/pkg/kafka"
	"github.com/caselens/viewercore/pkg/logger"
	"github.com/caselens/viewercore/pkg/metrics"
	"github.com/caselens/viewercore/pkg/postgres"
	pkgredis "github.com/caselens/viewercore/pkg/redis"
)

const (
	eventBatchSize     = 100
	eventFlushInterval = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting viewer engine", "port", cfg.Server.Port)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(ctx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
		slog.Info("metrics server started", "port", cfg.Metrics.Port)
	}

	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	cache, closeCache, err := buildExtractionCache(cfg.Extraction, redisClient)
	if err != nil {
		slog.Error("failed to initialize extraction cache", "error", err)
		os.Exit(1)
	}
	if closeCache != nil {
		defer closeCache()
	}
	slog.Info("extraction cache ready", "backend", cfg.Extraction.Backend)

	indexer := pageindex.New(cache, cfg.Indexer, m)

	var remoteBackend search.RemoteBackend
	if cfg.Search.RemoteAddr != "" {
		client := remote.NewClient(cfg.Search, m)
		defer client.Close()
		remoteBackend = client
		slog.Info("remote search enabled", "addr", cfg.Search.RemoteAddr)
	}

	var queryCache *search.QueryCache
	if cfg.Search.EnableQueryCache {
		if redisClient == nil {
			slog.Warn("query cache requested but redis is unavailable, caching disabled")
		} else {
			queryCache = search.NewQueryCache(redisClient, cfg.Search.ResultCacheTTL)
			slog.Info("query cache enabled", "ttl", cfg.Search.ResultCacheTTL)
		}
	}

	coordinator := search.New(indexer, remoteBackend, queryCache, cfg.Search, m)
	geo := geometry.New(cfg.Viewer.PageGap)

	var rotStore rotation.Store
	var pgClient *postgres.Client
	pgClient, err = postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, rotations held in memory only", "error", err)
		rotStore = rotation.NewMemoryStore()
	} else {
		defer pgClient.Close()
		if err := pgClient.EnsureSchema(context.Background()); err != nil {
			slog.Error("preparing rotation schema", "error", err)
			os.Exit(1)
		}
		rotStore = rotation.NewPostgresStore(pgClient)
		slog.Info("rotation store ready", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector *events.Collector
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		collector = events.NewCollector(producer, eventBatchSize, eventFlushInterval)
		collector.Start(ctx)
		defer collector.Close()
		slog.Info("event collector started", "topic", cfg.Kafka.EventsTopic)
	}

	store := viewerstate.New(cfg.Viewer, indexer, coordinator, geo, rotStore, collector, m)
	defer store.Close()

	registry := rects.NewLayerRegistry()
	provider := rects.NewPollingProvider(registry, cfg.Resolver, m)
	resolver := rects.NewResolver(provider, m)

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if pgClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not connected, rotations in memory"}
		}
		if err := pgClient.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := api.New(store, resolver, registry, geo)
	router := api.NewRouter(h, checker, m, cfg.Server)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("viewer engine listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("viewer engine stopped")
}

// buildExtractionCache selects the page-text backend. The returned close
// function is nil for backends without resources of their own.
func buildExtractionCache(cfg config.ExtractionConfig, redisClient *pkgredis.Client) (extraction.Cache, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return extraction.NewMemoryCache(), nil, nil
	case "dir":
		dir, err := extraction.NewDirCache(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return dir, dir.Close, nil
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("extraction backend is redis but redis is unavailable")
		}
		return extraction.NewRedisCache(redisClient), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown extraction backend %q", cfg.Backend)
	}
}
