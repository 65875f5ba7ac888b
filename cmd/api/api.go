// Package api implements the `api` sub-command: a standalone status
// server for deployments where the monitoring surface runs outside the
// pipeline process. It serves dependency health only; reconciliation
// snapshots come from the pipeline process's own embedded server.
package api

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agora-sim/agora/api"
	"github.com/agora-sim/agora/broker/kafka"
	cmdCommon "github.com/agora-sim/agora/cmd/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/health"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/schema"
	"github.com/agora-sim/agora/validation/reconcile"
)

var (
	// Path to the configuration file.
	configFile string

	apiCmd = &cobra.Command{
		Use:   "api",
		Short: "Serve the status API",
		Run:   runServer,
	}
)

// Register registers the api sub-command.
func Register(parentCmd *cobra.Command) {
	apiCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(apiCmd)
}

// emptySource is a ReconcileSource with no sessions.
type emptySource struct{}

func (emptySource) Reconciler(uuid.UUID) (*reconcile.Service, bool) { return nil, false }

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed", "err", err)
		os.Exit(1)
	}
	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed", "err", err)
		os.Exit(1)
	}
	logger := cmdCommon.Logger()

	if cfg.Server == nil {
		logger.Error("server config not provided")
		os.Exit(1)
	}

	// Probe the same dependencies the pipeline gates on, without driving
	// any circuit breaker.
	var checks []health.Check
	if cfg.Pipeline != nil {
		if cfg.Pipeline.Broker.Backend == "kafka" {
			hc := kafka.NewHealthChecker(cfg.Pipeline.Broker.Brokers[0])
			checks = append(checks, health.Check{Name: "broker", Critical: true, Probe: hc.Healthy})
		}
		if cfg.Pipeline.SchemaRegistry != "" {
			registry := schema.NewHTTPRegistry(cfg.Pipeline.SchemaRegistry)
			checks = append(checks, health.Check{Name: "schema_registry", Probe: registry.Healthy})
		}
	}
	gateCfg := config.HealthGateConfig{}
	if cfg.Pipeline != nil {
		gateCfg = cfg.Pipeline.HealthGate
	}
	gate := health.New(gateCfg, nil, checks, logger)

	service := api.NewStatusAPI(cfg.Server.Endpoint, gate, emptySource{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		_ = gate.Start(ctx)
	}()
	if err := service.Start(ctx); err != nil {
		logger.Error("status api failed", "err", err)
		os.Exit(1)
	}
}
