package main

import (
	"context"

	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/config"
	"github.com/pairwave/peercall/internal/httputil"
	"github.com/pairwave/peercall/internal/log"
	"github.com/pairwave/peercall/internal/otel"
	"github.com/pairwave/peercall/internal/workflow"
	"github.com/pairwave/peercall/relay"
)

type Config struct {
	App   config.App      `mapstructure:"app"`
	HTTP  httputil.Config `mapstructure:"http"`
	Relay relay.Config    `mapstructure:"relay"`
	Otel  otel.Config     `mapstructure:"otel"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")
		httputil.Setup(v, "http")
		relay.Setup(v, "relay")
		otel.Setup(v, "otel")

		v.SetDefault("otel.service_name", "peercall-relay")
	})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger := log.New()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	otelShutdown, err := otel.Init(ctx, &cfg.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}

	logger.Info("Starting relay...")

	hub := relay.NewHub(cfg.Relay, logger)
	router := relay.NewRouter(hub, cfg.Relay, logger)
	server := httputil.NewServer(&cfg.HTTP, router.Handler())

	go func() {
		logger.Info("Listening", log.String("addr", cfg.HTTP.Addr))
		if err := server.Listen(); err != nil {
			logger.Fatal("Failed to start HTTP server", log.Error(err))
		}
	}()

	cleanup := func(ctx context.Context) {
		_ = server.Shutdown(ctx)
		if err := otelShutdown(ctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("cleanup"), cleanup, cfg.App.ShutdownTimeout)
}
