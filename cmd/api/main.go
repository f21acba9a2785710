// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/cache"
	"github.com/briangreenhill/evagent/internal/config"
	"github.com/briangreenhill/evagent/internal/http/routes"
	"github.com/briangreenhill/evagent/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Logger()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("storage", cfg.Storage).Msg("storage error")
	}
	defer closeStorage()

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		logger.Fatal().Err(err).Msg("upstream error")
	}
	network := &http.Client{Timeout: cfg.NetworkTimeout}
	container := agent.NewContainer(storage, network,
		agent.WithBaseURL(upstream),
		agent.WithLogger(logger),
	)

	checker := &jobs.Checker{
		Agent:        container,
		Scope:        cfg.Scope,
		ManifestPath: cfg.Manifest,
		Log:          logger,
	}
	// a failed first install leaves the proxy running without offline support
	if _, err := checker.Check(ctx); err != nil {
		logger.Error().Err(err).Str("manifest", cfg.Manifest).Msg("initial registration failed")
	}

	// Update checks scheduled by cmd/worker
	var jobSrv *asynq.Server
	if cfg.HasRedis() {
		jobSrv = asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{jobs.QueueUpdates: 1},
			Logger:      jobs.NewLogger(logger),
		})
		mux := asynq.NewServeMux()
		mux.Handle(jobs.TaskCheckUpdate, &jobs.CheckUpdateHandler{Checker: checker})
		if err := jobSrv.Start(mux); err != nil {
			logger.Fatal().Err(err).Msg("start job server")
		}
	}

	// Router / server
	s, err := routes.New(routes.ServerOptions{
		Agent:   container,
		Network: network,
		Checker: checker,
		Cfg:     cfg,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router error")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.Port).Str("upstream", cfg.Upstream).Str("storage", cfg.Storage).Msg("starting agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if jobSrv != nil {
		jobSrv.Shutdown()
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (cache.Storage, func(), error) {
	switch cfg.Storage {
	case config.StorageFile:
		storage, err := cache.NewFileStorage(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		return storage, func() {}, nil
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db error: %w", err)
		}
		storage, err := cache.NewPostgresStorage(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return storage, pool.Close, nil
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis error: %w", err)
		}
		return cache.NewRedisStorage(rdb, ""), func() { _ = rdb.Close() }, nil
	default:
		return cache.NewMemoryStorage(), func() {}, nil
	}
}

