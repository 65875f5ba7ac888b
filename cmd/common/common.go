// Package common implements common agora command options.
package common

import (
	"fmt"
	"io"
	"os"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate

	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/storage"
	"github.com/agora-sim/agora/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("agora")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelInfo

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if cfg.Log.Format != "" {
			if err := format.Set(cfg.Log.Format); err != nil {
				return fmt.Errorf("%w (accepted: %s)", err, format.Type())
			}
		}
		if cfg.Log.Level != "" {
			if err := level.Set(cfg.Log.Level); err != nil {
				return fmt.Errorf("%w (accepted: %s)", err, level.Type())
			}
		}
	}
	logger, err := log.NewLogger("agora", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize Prometheus service.
	if cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(cfg.Metrics.PullEndpoint, rootLogger)
		if err != nil {
			rootLogger.Error("failed to initialize metrics", "err", err)
			return err
		}
		promServer.StartInstrumentation()
	}
	return nil
}

// Logger returns the root logger defined by the logging config.
func Logger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewStorageClient creates a new client to target storage.
func NewStorageClient(cfg *config.StorageConfig, logger *log.Logger) (storage.TargetStorage, error) {
	return postgres.NewClient(cfg.Endpoint, logger)
}

// RunMigrations applies pending schema migrations to target storage.
func RunMigrations(cfg *config.StorageConfig, logger *log.Logger) error {
	m, err := migrate.New(cfg.Migrations, cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("migrator failed to start: %w", err)
	}
	switch err = m.Up(); {
	case err == migrate.ErrNoChange:
		logger.Info("no migrations needed to be applied")
	case err != nil:
		return fmt.Errorf("migrations failed: %w", err)
	default:
		logger.Info("migrations completed")
	}
	return nil
}
