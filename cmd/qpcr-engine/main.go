package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amplistack/qpcr-engine/internal/api"
	"github.com/amplistack/qpcr-engine/internal/cache"
	"github.com/amplistack/qpcr-engine/internal/config"
	"github.com/amplistack/qpcr-engine/internal/controls"
	"github.com/amplistack/qpcr-engine/internal/engine"
	"github.com/amplistack/qpcr-engine/internal/metrics"
	"github.com/amplistack/qpcr-engine/internal/models"
	"github.com/amplistack/qpcr-engine/internal/repo"
	"github.com/amplistack/qpcr-engine/internal/services"
	"github.com/amplistack/qpcr-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting qpcr-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	categorizer, err := controls.NewCategorizer(cfg.Controls.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load control rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	fileTable, err := repo.LoadTableFile(cfg.Tables.Path)
	if err != nil {
		logger.Error("failed to load threshold table file", slog.Any("error", err))
		os.Exit(1)
	}

	var tableClient *repo.ThresholdTableClient
	if cfg.Tables.BaseURL != "" {
		tableClient = repo.NewThresholdTableClient(
			cfg.Tables.BaseURL,
			cfg.Tables.FetchPath,
			cfg.Tables.Timeout,
			cacheProvider,
			cfg.Tables.TTL,
		)
	}

	defaults, err := buildDefaults(cfg.Analysis)
	if err != nil {
		logger.Error("invalid analysis defaults", slog.Any("error", err))
		os.Exit(1)
	}

	resolver := engine.NewResolver(cfg.Analysis.BaselineWindow, logger)
	ladder := buildLadder(cfg.Analysis.Ladder)

	svc := services.NewAnalysisService(logger, categorizer, resolver, ladder, tableClient, fileTable, defaults)
	handler := api.NewHandler(svc, logger)
	server := api.NewServer(cfg.Server, handler.Router(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("qpcr-engine stopped")
}

func buildDefaults(cfg config.AnalysisConfig) (services.Defaults, error) {
	kind, err := models.ParseStrategyKind(cfg.DefaultStrategy)
	if err != nil {
		return services.Defaults{}, err
	}
	scale, err := models.ParseScale(cfg.DefaultScale)
	if err != nil {
		return services.Defaults{}, err
	}
	return services.Defaults{
		Strategy: models.ThresholdStrategy{Kind: kind, Multiplier: cfg.Multiplier},
		Scale:    scale,
	}, nil
}

func buildLadder(cfg config.LadderConfig) engine.LadderConfig {
	ladder := engine.DefaultLadderConfig()
	if cfg.High != 0 {
		ladder.Concentrations[models.RoleHigh] = cfg.High
	}
	if cfg.Medium != 0 {
		ladder.Concentrations[models.RoleMedium] = cfg.Medium
	}
	if cfg.Low != 0 {
		ladder.Concentrations[models.RoleLow] = cfg.Low
	}
	if cfg.FitMode != "" {
		ladder.FitMode = engine.LadderFitMode(cfg.FitMode)
	}
	return ladder
}
