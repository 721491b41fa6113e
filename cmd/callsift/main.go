package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/api"
	"github.com/ridgeline/callsift/internal/cache"
	"github.com/ridgeline/callsift/internal/config"
	"github.com/ridgeline/callsift/internal/controller"
	"github.com/ridgeline/callsift/internal/monitor"
	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
	"github.com/ridgeline/callsift/internal/rollout"
	"github.com/ridgeline/callsift/internal/store"
	"github.com/ridgeline/callsift/internal/units"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting callsift...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/callsift.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
		}
		switch pc.Type {
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}

	// Initialize PostgreSQL store
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			dir := cfg.Database.Postgres.MigrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if mErr := ps.Migrate(context.Background(), dir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize redis for caching and rollout audit
	var redisClient *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Warn("invalid redis URL, running without cache", zap.Error(rErr))
		} else {
			client := redis.NewClient(opts)
			if pingErr := client.Ping(context.Background()).Err(); pingErr != nil {
				logger.Warn("Redis unavailable, running without cache", zap.Error(pingErr))
			} else {
				redisClient = client
				logger.Info("Redis connected")
			}
		}
	}

	// Build the pipeline
	registry := pipeline.NewRegistry(logger)
	units.RegisterAll(registry, router, cfg.Pipeline.Model)
	if err := registry.Validate(); err != nil {
		logger.Fatal("unit registry invalid", zap.Error(err))
	}

	planner := pipeline.NewPlanner(registry, logger)
	orchestrator := pipeline.NewOrchestrator(registry, planner, cfg.Pipeline.PoolSize, logger)
	if redisClient != nil {
		orchestrator.SetCache(cache.New(redisClient, cfg.Pipeline.CacheTTL, logger))
	}

	// Monitor and rollout
	mon := monitor.New(cfg.Monitor, logger)

	var audit rollout.AuditSink
	if redisClient != nil {
		audit = rollout.NewStreamAudit(redisClient, cfg.Rollout.AuditStream)
	}
	ro := rollout.New(mon, audit, cfg.Rollout.CheckInterval, logger)

	// Restore persisted rollout phases
	if pgStore != nil {
		ro.SetPersister(pgStore)
		ro.SetVolumeSource(pgStore)
		phases, loadErr := pgStore.LoadRolloutPhases(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load rollout phases", zap.Error(loadErr))
		} else {
			restoreCtx := context.Background()
			for _, p := range phases {
				if rErr := ro.RegisterPhase(restoreCtx, p); rErr != nil {
					logger.Warn("failed to restore phase", zap.String("phase", p.ID), zap.Error(rErr))
					continue
				}
				if p.Status == rollout.PhaseActive {
					if aErr := ro.ActivatePhase(restoreCtx, p.ID); aErr != nil {
						logger.Warn("failed to reactivate phase", zap.String("phase", p.ID), zap.Error(aErr))
					}
				}
			}
			logger.Info("Rollout phases restored", zap.Int("count", len(phases)))
		}
	}

	rolloutCtx, stopRollout := context.WithCancel(context.Background())
	go ro.Start(rolloutCtx)

	// Production controller
	legacy := controller.NewSinglePassExtractor(router, cfg.Pipeline.LegacyModel)
	ctrl := controller.New(orchestrator, legacy, ro, mon, pgStore, logger)

	// Build HTTP handler
	handler := api.NewHandler(ctrl, mon, ro, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("callsift listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down callsift...")
	stopRollout()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if redisClient != nil {
		redisClient.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("Shutdown complete")
}
