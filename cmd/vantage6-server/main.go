// vantage6-server is the central coordination server: it accepts tasks,
// fans them out as encrypted per-organization runs, tracks run lifecycle
// and node liveness, and hands collected results back to initiators.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vantage6/vantage6-sub005/config"
	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/internal/database"
	"github.com/vantage6/vantage6-sub005/internal/hub"
	"github.com/vantage6/vantage6-sub005/internal/metrics"
	"github.com/vantage6/vantage6-sub005/internal/server"
	"github.com/vantage6/vantage6-sub005/internal/telemetry"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/wire"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(&cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting vantage6 server",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("database", string(cfg.Database.Driver)),
		zap.String("crypto", cfg.Crypto.Provider))

	if err := wire.Validate(); err != nil {
		return fmt.Errorf("validate serialization codecs: %w", err)
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
	if err != nil {
		return fmt.Errorf("configure connection pool: %w", err)
	}
	defer pool.Close()

	st := store.New(db, logger)
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	eventBus, err := bus.New(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer eventBus.Close()

	provider, err := crypto.New(crypto.Kind(cfg.Crypto.Provider), cfg.Crypto.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("init crypto provider: %w", err)
	}

	collector := metrics.NewCollector("vantage6", logger)
	coord := coordination.New(st, eventBus, provider, collector, logger)
	nodeHub := hub.New(st, eventBus, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go func() {
		if err := nodeHub.Run(hubCtx); err != nil && hubCtx.Err() == nil {
			logger.Error("hub stopped", zap.Error(err))
		}
	}()

	router := buildRouter(cfg, st, coord, nodeHub, pool, collector, version, logger)

	manager := server.NewManager(router, cfg.Server, logger)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	manager.WaitForShutdown()
	return nil
}

// buildLogger constructs the process logger from config: json output for
// production, console for development.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
