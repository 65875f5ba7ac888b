// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// Config contains the CLI configuration.
type Config struct {
	Pipeline *PipelineConfig `koanf:"pipeline"`
	Server   *ServerConfig   `koanf:"server"`
	Log      *LogConfig      `koanf:"log"`
	Metrics  *MetricsConfig  `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Pipeline != nil {
		if err := cfg.Pipeline.Validate(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// PipelineConfig is the configuration for the vote-validation pipeline.
type PipelineConfig struct {
	// Broker configures the message broker connection.
	Broker BrokerConfig `koanf:"broker"`

	// SessionID is the parliamentary session this pipeline process serves.
	// Messages carrying any other session header are filtered out.
	SessionID string `koanf:"session_id"`

	// SchemaRegistry is the base URL of the schema registry. Empty uses
	// the built-in static registry.
	SchemaRegistry string `koanf:"schema_registry"`

	// Verifiers lists the verifier identities, keyed by role.
	Verifiers VerifiersConfig `koanf:"verifiers"`

	Dispatcher  DispatcherConfig  `koanf:"dispatcher"`
	Worker      WorkerConfig      `koanf:"worker"`
	Aggregator  AggregatorConfig  `koanf:"aggregator"`
	Reconciler  ReconcilerConfig  `koanf:"reconciler"`
	HealthGate  HealthGateConfig  `koanf:"health_gate"`
	Breaker     BreakerConfig     `koanf:"breaker"`

	// Storage configures the postgres tally storage.
	Storage *StorageConfig `koanf:"storage"`

	// AuditPath is the directory of the accountability trail store.
	AuditPath string `koanf:"audit_path"`
}

// Validate validates the pipeline configuration.
func (cfg *PipelineConfig) Validate() error {
	if err := cfg.Broker.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if _, err := uuid.Parse(cfg.SessionID); err != nil {
		return fmt.Errorf("session_id: %w", err)
	}
	if err := cfg.Verifiers.Validate(); err != nil {
		return fmt.Errorf("verifiers: %w", err)
	}
	if cfg.AuditPath == "" {
		return fmt.Errorf("audit_path not configured")
	}
	if cfg.Storage != nil {
		if err := cfg.Storage.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	return nil
}

// BrokerConfig configures the broker connection.
type BrokerConfig struct {
	// Backend selects the broker implementation: "kafka" or "memlog".
	Backend string `koanf:"backend"`
	// Brokers is the list of bootstrap addresses (kafka backend).
	Brokers []string `koanf:"brokers"`
	// GroupPrefix prefixes all consumer group ids.
	GroupPrefix string `koanf:"group_prefix"`
}

// Validate validates the broker configuration.
func (cfg *BrokerConfig) Validate() error {
	switch cfg.Backend {
	case "memlog":
	case "kafka":
		if len(cfg.Brokers) == 0 {
			return fmt.Errorf("kafka backend requires at least one bootstrap address")
		}
	default:
		return fmt.Errorf("unsupported broker backend: '%s'", cfg.Backend)
	}
	return nil
}

// VerifiersConfig names the verifier identity bound to each role.
type VerifiersConfig struct {
	DeterminerA string `koanf:"determiner_a"`
	DeterminerB string `koanf:"determiner_b"`
	Observer    string `koanf:"observer"`
}

// Validate validates the verifier configuration.
func (cfg *VerifiersConfig) Validate() error {
	if cfg.DeterminerA == "" || cfg.DeterminerB == "" || cfg.Observer == "" {
		return fmt.Errorf("all three verifier identities must be configured")
	}
	if cfg.DeterminerA == cfg.DeterminerB {
		return fmt.Errorf("determiners must be distinct identities")
	}
	return nil
}

// Identities returns the determiner identities, in role order.
func (cfg *VerifiersConfig) Identities() []string {
	return []string{cfg.DeterminerA, cfg.DeterminerB}
}

// DispatcherConfig configures the validation dispatcher.
type DispatcherConfig struct {
	// PublishTimeout bounds a single publish attempt.
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

// WorkerConfig configures a verifier worker.
type WorkerConfig struct {
	// MaxConcurrency caps concurrent invocations of the external verifier.
	MaxConcurrency int64 `koanf:"max_concurrency"`
	// MaxAttempts bounds retries of a single request.
	MaxAttempts int `koanf:"max_attempts"`
	// BackoffBase and BackoffMax shape the retry backoff.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffMax  time.Duration `koanf:"backoff_max"`
	// ShutdownFlushTimeout bounds the publish flush during shutdown.
	ShutdownFlushTimeout time.Duration `koanf:"shutdown_flush_timeout"`
}

// AggregatorConfig configures the consensus aggregator.
type AggregatorConfig struct {
	// MaxRetries bounds redispatches after determiner disagreement.
	MaxRetries int `koanf:"max_retries"`
	// WitnessTimeout is how long a consensus waits for the observer's
	// verdict before being finalized without one.
	WitnessTimeout time.Duration `koanf:"witness_timeout"`
}

// ReconcilerConfig configures the reconciliation gate.
type ReconcilerConfig struct {
	// PollInterval is how often the gate re-checks pending counts and lag.
	PollInterval time.Duration `koanf:"poll_interval"`
	// Timeout bounds AwaitAll; elapsing with pending votes is fatal.
	Timeout time.Duration `koanf:"timeout"`
}

// HealthGateConfig configures the startup health gate.
type HealthGateConfig struct {
	// Retries is how many times each check is retried before reporting.
	Retries int `koanf:"retries"`
	// RetryDelay is the fixed delay between retries.
	RetryDelay time.Duration `koanf:"retry_delay"`
	// Interval enables periodic re-checks when non-zero.
	Interval time.Duration `koanf:"interval"`
}

// BreakerConfig configures the publishers' circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
}

// StorageConfig configures the postgres tally storage.
type StorageConfig struct {
	// Endpoint is the postgres connection string.
	Endpoint string `koanf:"endpoint"`
	// Migrations is the golang-migrate source URL, e.g.
	// file://storage/migrations.
	Migrations string `koanf:"migrations"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint not configured")
	}
	if cfg.Migrations == "" {
		return fmt.Errorf("migrations not configured")
	}
	return nil
}

// ServerConfig contains the status API configuration.
type ServerConfig struct {
	// Endpoint is the server endpoint.
	Endpoint string `koanf:"endpoint"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint not configured")
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	return nil
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	// PullEndpoint is the endpoint at which prometheus metrics are exposed.
	PullEndpoint string `koanf:"pull_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("pull_endpoint not configured")
	}
	return nil
}

// InitConfig initializes configuration from the given yaml file, with
// AGORA_-prefixed environment variables overriding file values
// (AGORA_PIPELINE__BROKER__BACKEND -> pipeline.broker.backend).
func InitConfig(f string) (*Config, error) {
	var cfg Config
	k := koanf.New(".")

	if err := k.Load(file.Provider(f), yaml.Parser()); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("AGORA_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "AGORA_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
