// Package main is the entry point for the put-selling daemon: it loads
// configuration, opens the store, wires every component, and runs until
// a termination signal triggers a graceful, drain-and-cancel shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/optionsdaemon/putseller/internal/autonomy"
	"github.com/optionsdaemon/putseller/internal/broker"
	"github.com/optionsdaemon/putseller/internal/config"
	"github.com/optionsdaemon/putseller/internal/events"
	"github.com/optionsdaemon/putseller/internal/executor"
	"github.com/optionsdaemon/putseller/internal/fillmgr"
	"github.com/optionsdaemon/putseller/internal/learning"
	"github.com/optionsdaemon/putseller/internal/memory"
	"github.com/optionsdaemon/putseller/internal/observability"
	"github.com/optionsdaemon/putseller/internal/orchestrator"
	"github.com/optionsdaemon/putseller/internal/reasoning"
	"github.com/optionsdaemon/putseller/internal/reconciler"
	"github.com/optionsdaemon/putseller/internal/risk"
	"github.com/optionsdaemon/putseller/internal/sizing"
	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/internal/strike"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (YAML/JSON/TOML)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}

	var adapter broker.Adapter
	switch cfg.Broker.Mode {
	case "ibkr":
		adapter = broker.NewIBKRAdapter(logger, cfg.Broker)
	default:
		adapter = broker.NewPaperAdapter(logger, decimal.NewFromInt(100000))
	}
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatal("connecting to broker", zap.Error(err))
	}

	bus := events.New(s, logger, cfg.EventBus, 4)
	calendar := events.NewCalendar(bus, logger, cfg.EventBus.CalendarTickInterval, cfg.EventBus.ScheduledCheckInterval)

	embedder := memory.NewHashEmbedder(64)
	mem := memory.New(s, logger, embedder)

	reasonClient := reasoning.NewClient(cfg.Reasoning)
	reasonEngine := reasoning.New(reasonClient, s, logger, cfg.Reasoning)

	riskGov := risk.New(cfg.Risk)
	autoGov := autonomy.New(cfg.Autonomy)
	selector := strike.New(adapter, logger, cfg.StrikeSelector)
	sizer := sizing.NewPositionSizer(logger, sizing.DefaultSizingConfig())
	fillMgr := fillmgr.New(adapter, logger, cfg.FillManager)

	exec := executor.New(adapter, s, selector, riskGov, autoGov, fillMgr, sizer, logger, cfg.Execution)
	recon := reconciler.New(adapter, s, mem, logger, cfg.Reconciler)
	learn := learning.New(s, mem, logger, cfg.Learning, cfg.Risk.SectorMap)

	var metrics *observability.Metrics
	var obsServer *http.Server
	if cfg.Observability.Enabled {
		var reg *prometheus.Registry
		metrics, reg = observability.NewMetrics()
		health := func(ctx context.Context) error {
			if !adapter.IsConnected() {
				return fmt.Errorf("broker adapter not connected")
			}
			return s.Ping(ctx)
		}
		obsServer = observability.NewServer(logger, cfg.Observability, reg, health)
	}

	daemon := orchestrator.New(bus, s, mem, embedder, reasonEngine, exec, fillMgr, recon, learn, adapter, logger, *cfg, metrics)

	bus.Start(ctx)
	calendar.Start(ctx)
	if err := daemon.Start(ctx); err != nil {
		logger.Fatal("starting orchestrator", zap.Error(err))
	}

	if obsServer != nil {
		go func() {
			if err := obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("observability server error", zap.Error(err))
			}
		}()
	}

	logger.Info("putseller daemon started",
		zap.String("brokerMode", cfg.Broker.Mode),
		zap.Strings("symbols", cfg.Daemon.Symbols))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownDrainTimeout)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down orchestrator", zap.Error(err))
	}
	calendar.Stop()
	bus.Stop()
	cancel()

	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down observability server", zap.Error(err))
		}
	}
	if err := adapter.Disconnect(); err != nil {
		logger.Error("disconnecting broker", zap.Error(err))
	}

	logger.Info("putseller daemon stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
