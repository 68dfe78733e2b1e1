package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tandemlab/baton"
	"github.com/tandemlab/baton/api"
	"github.com/tandemlab/baton/config"
)

func main() {
	cfg := config.Load()

	logger, _ := newLogger(cfg)
	defer logger.Sync()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("initialize store", zap.Error(err))
	}
	defer closeStore()

	registry := baton.NewRegistry(store)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	err = registry.Load(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Fatal("load stored definitions", zap.Error(err))
	}

	events := baton.NewBroadcaster(logger)
	defer events.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := baton.NewMetrics(promReg)

	supervisor := baton.NewSupervisor(registry, store,
		baton.WithLogger(logger),
		baton.WithMetrics(metrics),
		baton.WithBroadcaster(events),
	)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := supervisor.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		logger.Fatal("recover executions", zap.Error(err))
	}
	if recovered > 0 {
		logger.Info("recovered executions", zap.Int("count", recovered))
	}

	janitor, err := baton.NewJanitor(store, cfg.Retention, cfg.JanitorSchedule, logger)
	if err != nil {
		logger.Fatal("configure janitor", zap.Error(err))
	}
	janitor.Start()

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	if cfg.NATSURL != "" {
		notifier, err := baton.NewNotifier(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("connect notifier", zap.Error(err))
		}
		defer notifier.Close()
		go notifier.Run(notifyCtx, events)
	}

	e := api.New(api.Options{
		Supervisor: supervisor,
		Registry:   registry,
		Events:     events,
		Gatherer:   promReg,
		Logger:     logger,
	})

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()
	logger.Info("server started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("server is shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	<-janitor.Stop().Done()
	if err := supervisor.Drain(shutdownCtx); err != nil {
		logger.Warn("executions still running at exit; they will be recovered on restart",
			zap.Error(err))
	}
	logger.Info("server exited")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildStore picks the persistence backend. The returned func releases
// whatever connection the backend holds.
func buildStore(cfg *config.Config) (baton.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return baton.NewMemoryStore(), func() {}, nil

	case config.StoreFile:
		fs, err := baton.NewFileStore(cfg.FileStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := baton.NewPostgresStore(db, cfg.TablePrefix)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return baton.NewRedisStore(client, cfg.RedisPrefix), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
