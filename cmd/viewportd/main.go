package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cidadeops/viewport-cache/internal/config"
	"github.com/cidadeops/viewport-cache/internal/httpclient"
	"github.com/cidadeops/viewport-cache/internal/invalidation/kafkaconsumer"
	"github.com/cidadeops/viewport-cache/internal/logger"
	"github.com/cidadeops/viewport-cache/internal/observability"
	"github.com/cidadeops/viewport-cache/internal/regionstore"
	"github.com/cidadeops/viewport-cache/internal/server"
	"github.com/cidadeops/viewport-cache/internal/upstream"
	"github.com/cidadeops/viewport-cache/internal/viewport"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Service:   "viewport-cache",
		Component: "viewportd",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting viewportd",
		"addr", cfg.Addr,
		"version", Version,
		"upstream", cfg.UpstreamURL,
		"layers", strings.Join(cfg.Layers, ","))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := httpclient.NewOutbound()
	up, err := upstream.New(cfg.UpstreamURL, httpClient, appLog)
	if err != nil {
		appLog.Error("upstream client setup failed", "err", err)
		return 1
	}

	var opts []viewport.Option
	var store *regionstore.Store
	if cfg.RedisEnabled {
		cli, err := regionstore.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = cli.Close() }()
		store = regionstore.New(cli, cfg.StoreTTL, cfg.IndexRes, appLog)
		opts = append(opts, viewport.WithSharedStore(store))
	}

	coord := viewport.New(viewport.Config{
		Debounce:            cfg.Debounce,
		ChangeThreshold:     cfg.ChangeThreshold,
		ZoomChangeThreshold: cfg.ZoomChangeThreshold,
		MinZoom:             cfg.MinZoom,
		MaxCacheEntries:     cfg.MaxCacheEntries,
		CacheValidity:       cfg.CacheValidity,
	}, appLog, opts...)
	defer coord.Close()

	for _, layer := range cfg.Layers {
		coord.RegisterLayer(layer, up.LayerFetcher(layer), nil)
	}

	if cfg.Invalidation.Enabled {
		if store == nil {
			appLog.Warn("invalidation enabled but redis is disabled; skipping consumer")
		} else {
			kcfg := kafkaconsumer.FromEnv()
			consumer := kafkaconsumer.New(kcfg, appLog, store, coord)
			go func() {
				if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
					appLog.Error("invalidation consumer stopped", "err", err)
				}
			}()
		}
	}

	if err := server.Run(ctx, cfg, appLog, coord); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
