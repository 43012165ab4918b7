package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/config"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/steer.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("steer %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting steer",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("tenants", len(cfg.Tenants)),
	)

	m := metrics.New()
	store := kv.NewBreaker(kv.NewRedis(kv.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, func(op string, err error) {
		m.KVErrors.WithLabelValues(op).Inc()
	}))

	if err := kv.WaitReady(context.Background(), store, cfg.Redis.StartupRetry); err != nil {
		logging.Error("KV store unreachable at startup",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		os.Exit(2)
	}

	srv, err := server.New(cfg, *configPath, store, clock.New(), m)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
