package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/nekota/device-manager/internal/config"
	"github.com/nekota/device-manager/internal/device"
	"github.com/nekota/device-manager/internal/events"
	"github.com/nekota/device-manager/internal/httpapi"
	"github.com/nekota/device-manager/internal/logging"
	"github.com/nekota/device-manager/internal/memory"
	"github.com/nekota/device-manager/internal/mqtt"
	"github.com/nekota/device-manager/internal/observability"
	"github.com/nekota/device-manager/internal/ota"
	"github.com/nekota/device-manager/internal/provision"
	"github.com/nekota/device-manager/internal/ratelimit"
	"github.com/nekota/device-manager/internal/realtime"
	"github.com/nekota/device-manager/internal/store"
	"github.com/nekota/device-manager/internal/supabase"
	"github.com/nekota/device-manager/internal/sweeper"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, promHandler, tracer, err := observability.Setup(ctx, "device-manager", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownObs()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}
	if _, err := ota.SeedCatalog(ctx, repo); err != nil {
		slog.Error("firmware catalog seed failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Redis.Addr,
		Password:              cfg.Redis.Password,
		DB:                    cfg.Redis.DB,
		DialTimeout:           time.Second,
		ReadTimeout:           cfg.CacheTimeout,
		WriteTimeout:          cfg.CacheTimeout,
		PoolTimeout:           cfg.CacheTimeout,
		MaxRetries:            1,
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close()
	cache := store.NewRedisCache(rdb)
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := cache.Ping(pingCtx); err != nil {
		slog.Warn("redis unavailable, memory cache and rate limiting degraded", "addr", cfg.Redis.Addr, "error", err)
	}
	pingCancel()

	hub := realtime.NewHub()
	publishers := events.Multi{hub}
	if cfg.MQTT.BrokerURL != "" {
		mq, err := mqtt.Connect(cfg.MQTT.BrokerURL)
		if err != nil {
			slog.Warn("mqtt unavailable, lifecycle events stay local", "error", err)
		} else {
			defer mq.Close()
			pub := mqtt.NewEventPublisher(mq, cfg.MQTT.TopicPrefix, 0)
			go pub.Run(ctx)
			publishers = append(publishers, pub)
		}
	}

	devices := device.NewManager(repo, device.Options{
		RegistrationSecret: cfg.RegistrationSecret,
		ServerURL:          cfg.ServerURL,
		OfflineAfter:       cfg.OfflineAfter,
		Events:             publishers,
	})
	resolver := ota.NewResolver(repo, devices, ota.Options{
		DefaultDeviceType: cfg.DefaultDeviceType,
		BaseURL:           cfg.FirmwareBaseURL,
	})
	coordinator := memory.NewCoordinator(memory.CacheTier(cache, cfg.MemoryTTL, cfg.CacheTimeout), fallbackTier(cfg, repo))
	issuer := provision.NewIssuer(cache, provision.Options{
		AdminKey:     cfg.ProvisionAdminKey,
		JWTSecret:    cfg.JWTSecret,
		CacheTimeout: cfg.CacheTimeout,
	})

	if cfg.Sweep.Cron != "" {
		sw, err := sweeper.New(devices, cfg.Sweep.Cron)
		if err != nil {
			slog.Error("sweep schedule invalid", "error", err)
			os.Exit(1)
		}
		sw.Start()
		defer sw.Stop()
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(rdb, "device-manager:rl", ratelimit.Config{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Timeout:  cfg.CacheTimeout,
		})
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Devices:        devices,
		OTA:            resolver,
		Memory:         coordinator,
		Provision:      issuer,
		Realtime:       hub,
		Limiter:        limiter,
		Metrics:        promHandler,
		Tracer:         tracer,
		Ready:          repo.Ping,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        version,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("device-manager started", "port", cfg.Port, "db", cfg.DB.Driver, "memory_fallback", cfg.MemoryFallback)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	slog.Info("device-manager stopped")
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DB.Driver == "sqlite" {
		return store.OpenSQLite(cfg.DB.SQLitePath)
	}
	return store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DB,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
}

func fallbackTier(cfg *config.Config, repo *store.Repo) memory.Tier {
	switch cfg.MemoryFallback {
	case "supabase":
		return memory.DurableTier("supabase", supabase.New(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey, nil))
	case "db":
		return memory.DurableTier("db", repo)
	}
	return nil
}
