// Package pipeline implements the `pipeline` sub-command: it assembles and
// runs the full vote-validation pipeline for one parliamentary session.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/agora-sim/agora/api"
	"github.com/agora-sim/agora/audit"
	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/broker/kafka"
	"github.com/agora-sim/agora/broker/memlog"
	cmdCommon "github.com/agora-sim/agora/cmd/common"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/health"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/schema"
	"github.com/agora-sim/agora/storage"
	"github.com/agora-sim/agora/tally"
	"github.com/agora-sim/agora/validation"
	"github.com/agora-sim/agora/validation/aggregator"
	"github.com/agora-sim/agora/validation/dispatcher"
	"github.com/agora-sim/agora/validation/override"
	"github.com/agora-sim/agora/validation/reconcile"
	"github.com/agora-sim/agora/validation/worker"
	"github.com/agora-sim/agora/verifier"
)

const moduleName = "pipeline_service"

var (
	// Path to the configuration file.
	configFile string

	pipelineCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "Run the vote-validation pipeline",
		Run:   runPipeline,
	}
)

// Register registers the pipeline sub-command.
func Register(parentCmd *cobra.Command) {
	pipelineCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(pipelineCmd)
}

func runPipeline(cmd *cobra.Command, args []string) {
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

	if cfg.Pipeline == nil {
		logger.Error("pipeline config not provided")
		os.Exit(1)
	}

	service, err := Init(cfg)
	if err != nil {
		logger.Error("failed to initialize pipeline service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := service.Start(ctx); err != nil {
		logger.Error("pipeline service failed", "err", err)
		os.Exit(1)
	}
}

// brokerStack is the broker-backend-specific set of handles the pipeline
// needs: one shared publisher, per-service consumers, and a health probe.
type brokerStack struct {
	publisher   broker.Publisher
	healthcheck broker.HealthChecker
	consumer    func(group string, topics ...broker.Topic) broker.Consumer
}

func newBrokerStack(cfg config.BrokerConfig, logger *log.Logger) (*brokerStack, error) {
	prefix := cfg.GroupPrefix
	switch cfg.Backend {
	case "memlog":
		l := memlog.New()
		return &brokerStack{
			publisher:   l,
			healthcheck: l,
			consumer: func(group string, topics ...broker.Topic) broker.Consumer {
				return l.NewConsumer(prefix+group, topics...)
			},
		}, nil
	case "kafka":
		return &brokerStack{
			publisher:   kafka.NewPublisher(cfg.Brokers, logger),
			healthcheck: kafka.NewHealthChecker(cfg.Brokers[0]),
			consumer: func(group string, topics ...broker.Topic) broker.Consumer {
				return kafka.NewConsumer(cfg.Brokers, prefix+group, logger, topics...)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported broker backend: '%s'", cfg.Backend)
	}
}

// Service is the assembled pipeline for one session.
type Service struct {
	session    uuid.UUID
	services   []validation.Service
	gate       *health.Gate
	reconciler *reconcile.Service
	overrides  *override.Service
	tallies    *tally.Store
	trail      *audit.Trail
	target     storage.TargetStorage
	statusAPI  *api.StatusAPI

	logger *log.Logger
}

// Reconciler implements api.ReconcileSource.
func (s *Service) Reconciler(sessionID uuid.UUID) (*reconcile.Service, bool) {
	if sessionID != s.session {
		return nil, false
	}
	return s.reconciler, true
}

// Init assembles the pipeline service from configuration.
func Init(cfg *config.Config) (*Service, error) {
	logger := cmdCommon.Logger()
	pcfg := cfg.Pipeline
	session := uuid.MustParse(pcfg.SessionID)

	logger.Info("initializing pipeline service", "session", session)

	// Durable tally storage, when configured.
	var target storage.TargetStorage
	var tallies *tally.Store
	if pcfg.Storage != nil {
		if err := cmdCommon.RunMigrations(pcfg.Storage, logger); err != nil {
			return nil, err
		}
		var err error
		if target, err = cmdCommon.NewStorageClient(pcfg.Storage, logger); err != nil {
			return nil, err
		}
		tallies = tally.NewStore(target, logger)
	}

	trail, err := audit.Open(pcfg.AuditPath, logger)
	if err != nil {
		return nil, err
	}

	var registry schema.Registry
	if pcfg.SchemaRegistry != "" {
		registry = schema.NewHTTPRegistry(pcfg.SchemaRegistry)
	} else {
		registry = schema.NewStaticRegistry(schema.PipelineSchemas()...)
	}
	codec := schema.NewCodec(registry)

	stack, err := newBrokerStack(pcfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	circuit := breaker.New("broker", breaker.Config{
		FailureThreshold: pcfg.Breaker.FailureThreshold,
		SuccessThreshold: pcfg.Breaker.SuccessThreshold,
		ResetTimeout:     pcfg.Breaker.ResetTimeout,
	}, logger)

	// Verifier capabilities. The simulated verifier stands in for the
	// external deliberation models.
	roleFor := map[string]common.VerifierRole{
		pcfg.Verifiers.DeterminerA: common.RoleDeterminerA,
		pcfg.Verifiers.DeterminerB: common.RoleDeterminerB,
		pcfg.Verifiers.Observer:    common.RoleObserver,
	}
	verifiers := make(map[string]validation.Verifier, len(roleFor))
	for identity := range roleFor {
		verifiers[identity] = verifier.NewSimulated(identity, 0, logger)
	}

	// The aggregator's consumer doubles as the lag source for the
	// reconciliation gate: its lag covers exactly the topics whose drain
	// gates session completion.
	aggConsumer := stack.consumer("aggregator", aggregator.Topics()...)
	reconciler := reconcile.New(pcfg.Reconciler, session, aggConsumer, trail, logger)
	agg := aggregator.New(pcfg.Aggregator, session, aggConsumer, stack.publisher, codec, circuit, reconciler, logger)

	disp := dispatcher.New(pcfg.Dispatcher, stack.publisher, codec, circuit, pcfg.Verifiers.Identities(), logger)
	syncPath := []dispatcher.SyncVerifier{
		{ID: pcfg.Verifiers.DeterminerA, Role: common.RoleDeterminerA, Verifier: verifiers[pcfg.Verifiers.DeterminerA]},
		{ID: pcfg.Verifiers.DeterminerB, Role: common.RoleDeterminerB, Verifier: verifiers[pcfg.Verifiers.DeterminerB]},
	}
	dispService := dispatcher.NewService(
		disp,
		stack.consumer("dispatcher", broker.TopicPendingValidation),
		session,
		reconciler,
		syncPath,
	)

	// One limiter shared by all workers caps total concurrent calls into
	// the model-invocation layer.
	maxConcurrency := pcfg.Worker.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	limiter := semaphore.NewWeighted(maxConcurrency)

	workers := []validation.Service{
		worker.New(pcfg.Worker, pcfg.Verifiers.DeterminerA, common.RoleDeterminerA,
			verifiers[pcfg.Verifiers.DeterminerA],
			stack.consumer("worker-"+pcfg.Verifiers.DeterminerA, broker.TopicValidationRequests),
			stack.publisher, codec, limiter, logger),
		worker.New(pcfg.Worker, pcfg.Verifiers.DeterminerB, common.RoleDeterminerB,
			verifiers[pcfg.Verifiers.DeterminerB],
			stack.consumer("worker-"+pcfg.Verifiers.DeterminerB, broker.TopicValidationRequests),
			stack.publisher, codec, limiter, logger),
		worker.New(pcfg.Worker, pcfg.Verifiers.Observer, common.RoleObserver,
			verifiers[pcfg.Verifiers.Observer],
			stack.consumer("worker-"+pcfg.Verifiers.Observer, broker.TopicWitnessRequests),
			stack.publisher, codec, limiter, logger),
	}

	checks := []health.Check{
		{Name: "broker", Critical: true, Probe: stack.healthcheck.Healthy},
		{Name: "schema_registry", Critical: true, Probe: registry.Healthy},
	}
	for identity, v := range verifiers {
		v := v
		checks = append(checks, health.Check{
			Name:     "verifier/" + identity,
			Critical: true,
			Probe: func(ctx context.Context) error {
				_, err := v.Determine(ctx, common.ValidationRequest{})
				return err
			},
		})
	}
	if target != nil {
		checks = append(checks, health.Check{Name: "storage", Probe: target.Healthy})
	}
	gate := health.New(pcfg.HealthGate, circuit, checks, logger)

	s := &Service{
		session:    session,
		services:   append([]validation.Service{dispService, agg}, workers...),
		gate:       gate,
		reconciler: reconciler,
		overrides:  override.New(tallies, trail, logger),
		tallies:    tallies,
		trail:      trail,
		target:     target,
		logger:     logger.WithModule(moduleName),
	}
	if tallies == nil {
		s.overrides = nil
	}
	if cfg.Server != nil {
		s.statusAPI = api.NewStatusAPI(cfg.Server.Endpoint, gate, s, logger)
	}
	return s, nil
}

// Start gates on dependency health, then runs every service until ctx is
// canceled or one of them fails fatally.
func (s *Service) Start(ctx context.Context) error {
	defer s.close()

	if err := s.gate.WaitHealthy(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.services)+2)
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && err != validation.ErrStopped {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	for _, svc := range s.services {
		run(svc.Name(), svc.Start)
	}
	run(s.gate.Name(), s.gate.Start)
	if s.statusAPI != nil {
		run(s.statusAPI.Name(), s.statusAPI.Start)
	}
	s.logger.Info("started all services", "services", len(s.services))

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// SettleResult is the outcome of settling one motion.
type SettleResult struct {
	Reconciliation reconcile.Result
	Overrides      []override.Applied
}

// Settle is the programmatic completion gate for one motion: it blocks on
// full reconciliation, applies validated-choice overrides to the durable
// tally and persists the tracked-vote history. The session state machine
// calls this before closing a motion; a returned IncompleteError or
// TallyInvariantError must halt the session.
func (s *Service) Settle(ctx context.Context, motionID uuid.UUID, expectedVotes int) (*SettleResult, error) {
	res, err := s.reconciler.AwaitAll(ctx, motionID, expectedVotes)
	if err != nil {
		return nil, err
	}

	settled := &SettleResult{Reconciliation: res}
	if s.overrides != nil {
		settled.Overrides, err = s.overrides.Apply(ctx, s.session, override.FromReconciliation(res))
		if err != nil {
			return nil, err
		}
	}
	if s.tallies != nil {
		if err := s.tallies.SaveTracked(ctx, s.session, res.Votes); err != nil {
			return nil, err
		}
	}
	return settled, nil
}

func (s *Service) close() {
	if err := s.trail.Close(); err != nil {
		s.logger.Warn("failed to close accountability trail", "err", err)
	}
	if s.target != nil {
		s.target.Close()
	}
}
