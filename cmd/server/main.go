package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiancizhou/teacher/internal/api"
	"github.com/tiancizhou/teacher/internal/circuitbreaker"
	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/dispatcher"
	"github.com/tiancizhou/teacher/internal/engine"
	"github.com/tiancizhou/teacher/internal/keypool"
	"github.com/tiancizhou/teacher/internal/metrics"
	"github.com/tiancizhou/teacher/internal/provider"
	"github.com/tiancizhou/teacher/internal/ratelimit"
	"github.com/tiancizhou/teacher/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, relying on process environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("grading dispatch core starting",
		"env", cfg.Server.Env,
		"storage", cfg.Dispatcher.StorageType,
		"provider", cfg.AI.Provider)

	pool, limiter, err := buildPoolAndLimiter(cfg)
	if err != nil {
		slog.Error("credential pool init failed", "error", err)
		os.Exit(1)
	}

	// Seed only an empty pool so a restart never duplicates shared Redis keys.
	if pool.AvailableCount() == 0 && pool.FailedCount() == 0 {
		pool.AddKeys(cfg.AI.APIKeys)
	}
	if pool.AvailableCount() == 0 {
		slog.Warn("credential pool is empty, grading requests will be rejected until keys arrive")
	}

	recovery := keypool.NewRecoveryTicker(pool,
		time.Duration(cfg.Dispatcher.KeyCooldownSeconds)*time.Second)
	recovery.Start()
	defer recovery.Stop()

	m := metrics.NewMetrics()
	go poolGaugeLoop(pool, m)

	p, err := provider.New(cfg.AI)
	if err != nil {
		slog.Error("provider init failed", "error", err)
		os.Exit(1)
	}
	p = provider.WithBreaker(p, circuitbreaker.New(5, 30*time.Second))
	p = provider.Instrument(p, m)

	d := dispatcher.New(pool, limiter, cfg.Dispatcher)
	e := engine.New(p, d, cfg.AI)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("sqlite store init failed", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	server := api.NewServer(e, st, m, cfg)
	if err := server.Start(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// buildPoolAndLimiter picks the in-process or shared-Redis variants.
func buildPoolAndLimiter(cfg *config.Config) (keypool.Pool, ratelimit.Limiter, error) {
	borrowTimeout := time.Duration(cfg.Dispatcher.KeyBorrowTimeoutSeconds) * time.Second
	window := cfg.Dispatcher.RateLimitWindowSeconds
	maxRequests := cfg.Dispatcher.RateLimitMaxRequests

	if cfg.Dispatcher.StorageType == "redis" {
		pool, err := keypool.NewRedisPool(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Dispatcher.KeyPoolName, cfg.Dispatcher.FailedKeyPoolName,
			borrowTimeout)
		if err != nil {
			return nil, nil, err
		}
		limiter := ratelimit.NewRedisLimiter(pool.Client(), window, maxRequests)
		return pool, limiter, nil
	}

	pool := keypool.NewMemoryPool(borrowTimeout)
	limiter := ratelimit.NewMemoryLimiter(window, maxRequests)
	return pool, limiter, nil
}

func poolGaugeLoop(pool keypool.Pool, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.UpdatePoolGauges(pool.AvailableCount(), pool.FailedCount())
	}
}
