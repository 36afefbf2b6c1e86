package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"go-engage/api"
	"go-engage/compliance"
	"go-engage/config"
	"go-engage/logging"
	"go-engage/platform"
	"go-engage/queue"
	"go-engage/risk"
	"go-engage/routing"
	"go-engage/settings"
	"go-engage/store"
	"go-engage/worker"
)

// backends groups the storage choices made from STORE_BACKEND.
type backends struct {
	queueStore queue.Store
	store      store.Store
	settings   settings.Backend
	notifier   queue.Notifier
	urls       store.URLSet
	status     worker.StatusStore
	close      func()
}

func memoryBackends() backends {
	return backends{
		queueStore: queue.NewMemoryStore(),
		store:      store.NewMemory(),
		settings:   settings.NewMemoryBackend(),
		notifier:   queue.NewMemoryNotifier(),
		urls:       store.NewMemoryURLSet(),
		status:     worker.NewMemoryStatusStore(),
		close:      func() {},
	}
}

func postgresBackends(ctx context.Context, cfg config.Config, logger logging.Logger) (backends, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return backends{}, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return backends{}, err
	}
	if err := queue.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return backends{}, err
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return backends{}, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return backends{}, err
	}
	logger.WithField("redis_addr", cfg.RedisAddr).Info("Connected to Postgres and Redis")

	return backends{
		queueStore: queue.NewPostgresStore(pool),
		store:      store.NewPostgres(pool),
		settings:   settings.NewRedisBackend(rdb),
		notifier:   queue.NewRedisNotifier(rdb),
		urls:       store.NewRedisURLSet(rdb),
		status:     worker.NewRedisStatusStore(rdb),
		close: func() {
			_ = rdb.Close()
			pool.Close()
		},
	}, nil
}

func main() {
	logger := logging.NewLoggerWithService("go-engage")
	config.LoadEnv(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b backends
	if cfg.StoreBackend == "memory" {
		logger.Warn("Using in-memory stores; state is lost on restart")
		b = memoryBackends()
	} else {
		b, err = postgresBackends(ctx, cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize storage")
		}
	}
	defer b.close()

	rules := compliance.DefaultRules()
	if cfg.ComplianceRulesPath != "" {
		rules, err = compliance.LoadRules(cfg.ComplianceRulesPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load compliance rules")
		}
	}
	checker := compliance.NewChecker(rules)

	shared := settings.New(b.settings)
	q := queue.New(queue.Config{Store: b.queueStore, KillSwitch: shared, Notifier: b.notifier, Logger: logger})

	var judge risk.Judge
	if cfg.LLMAPIURL != "" {
		judge = risk.NewLLMJudge(risk.LLMJudgeConfig{
			APIURL: cfg.LLMAPIURL,
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
			Logger: logger,
		})
	} else {
		logger.Warn("LLM_API_URL not set; AI judge disabled")
	}
	scorer := risk.NewScorer(risk.Config{Checker: checker, Judge: judge, Settings: shared, Logger: logger})
	router := routing.New(routing.Config{Scorer: scorer, Store: b.store, Queue: q, Checker: checker, Logger: logger})

	registry := platform.NewRegistry()
	for p, base := range cfg.AgentBaseURLs {
		registry.Register(p, platform.NewAgent(platform.AgentConfig{BaseURL: base}))
		logger.WithFields(logging.Fields{"platform": p, "base_url": base}).Info("Platform agent registered")
	}

	deps := worker.Deps{
		Queue:    q,
		Settings: shared,
		Store:    b.store,
		URLs:     b.urls,
		Registry: registry,
		Logger:   logger,
	}
	manager := worker.NewManager(worker.ManagerConfig{
		Deps:        deps,
		Status:      b.status,
		StopTimeout: cfg.WorkerStopTimeout,
	})
	if cfg.AutostartWorkers {
		for _, p := range cfg.Platforms {
			manager.Start(ctx, p)
		}
	}

	server := api.NewServer(cfg.ServerAddr, api.Config{
		Queue:    q,
		Settings: shared,
		Store:    b.store,
		Router:   router,
		Workers:  manager,
		Results:  worker.NewResults(deps),
		Logger:   logger,
	})

	go func() {
		logger.WithField("addr", cfg.ServerAddr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server error")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	manager.StopAll(context.Background())
	logger.Info("All workers stopped")
}
