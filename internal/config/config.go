// Package config provides configuration loading for fixnet.
//
// Settings come from a YAML file overridden by FIXNET_* environment
// variables, with defaults for everything left unset. Each section maps onto
// the configuration of one component; EngineConfig does that mapping.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/fixnet/internal/abtest"
	"github.com/fyrsmithlabs/fixnet/internal/cluster"
	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/engine"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/fraud"
	"github.com/fyrsmithlabs/fixnet/internal/logging"
	"github.com/fyrsmithlabs/fixnet/internal/telemetry"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds the complete fixnet configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Dedup     DedupConfig     `koanf:"dedup"`
	Search    SearchConfig    `koanf:"search"`
	Consensus ConsensusConfig `koanf:"consensus"`
	Fraud     FraudConfig     `koanf:"fraud"`
	ABTest    ABTestConfig    `koanf:"abtest"`
	Cluster   ClusterConfig   `koanf:"cluster"`
	Identity  IdentityConfig  `koanf:"identity"`
	Remote    RemoteConfig    `koanf:"remote"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// StoreConfig selects the kv backend.
type StoreConfig struct {
	Backend     string   `koanf:"backend"`      // memory or sqlite (default: sqlite)
	Path        string   `koanf:"path"`         // SQLite file (default: ~/.config/fixnet/fixnet.db)
	LockTimeout Duration `koanf:"lock_timeout"` // bounded wait for table locks (default: 5s)
}

// DedupConfig holds the duplicate detection thresholds.
type DedupConfig struct {
	KeyThreshold      float64 `koanf:"key_threshold"`
	SolutionThreshold float64 `koanf:"solution_threshold"`
}

// SearchConfig holds search cutoffs.
type SearchConfig struct {
	GroupThreshold float64 `koanf:"group_threshold"`
	MinRelevance   float64 `koanf:"min_relevance"`
	RemoteDiscount float64 `koanf:"remote_discount"`
}

// ConsensusConfig tunes the consensus calculator.
type ConsensusConfig struct {
	VariantWeight float64  `koanf:"variant_weight"`
	ContextField  string   `koanf:"context_field"`
	CacheTTL      Duration `koanf:"cache_ttl"`
	MinRelevance  float64  `koanf:"min_relevance"`
}

// FraudConfig tunes the fraud guard.
type FraudConfig struct {
	ReportThreshold     int     `koanf:"report_threshold"`
	CorpusSimilarity    float64 `koanf:"corpus_similarity"`
	SuspiciousThreshold int     `koanf:"suspicious_threshold"`
	DisableSecretScan   bool    `koanf:"disable_secret_scan"`
	PatternsFile        string  `koanf:"patterns_file"` // TOML file with extra patterns
}

// ABTestConfig holds the A/B decision thresholds.
type ABTestConfig struct {
	MinSamples     int     `koanf:"min_samples"`
	RelativeMargin float64 `koanf:"relative_margin"`
}

// ClusterConfig tunes the cluster index.
type ClusterConfig struct {
	Eps            float64 `koanf:"eps"`
	MatchThreshold float64 `koanf:"match_threshold"`
	Dimensions     int     `koanf:"dimensions"`
	MinClusterSize int     `koanf:"min_cluster_size"`
}

// IdentityConfig configures the local identity.
type IdentityConfig struct {
	UserID       string            `koanf:"user_id"`       // the local user, excluded from consensus
	VoterPattern string            `koanf:"voter_pattern"` // regular expression a voter id must match
	Labels       map[string]string `koanf:"labels"`        // display names by user id
}

// RemoteConfig locates the fetched remote usage records.
type RemoteConfig struct {
	RecordsFile string `koanf:"records_file"`
	Watch       bool   `koanf:"watch"`
}

// LoggingConfig holds the logger settings exposed through configuration.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	Caller   bool   `koanf:"caller"`
}

// TelemetryConfig configures OTLP export and the Prometheus textfile.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"` // OTLP collector host:port
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	TLSSkipVerify  bool     `koanf:"tls_skip_verify"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
	DisableMetrics bool     `koanf:"disable_metrics"`
	OTELLogs       bool     `koanf:"otel_logs"`    // bridge logs to the global OTEL log provider
	MetricsFile    string   `koanf:"metrics_file"` // Prometheus textfile written after each command
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return errors.New("store path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid store backend %q (must be memory or sqlite)", c.Store.Backend)
	}
	if c.Store.LockTimeout.Duration() <= 0 {
		return errors.New("store lock timeout must be positive")
	}

	for name, v := range map[string]float64{
		"dedup.key_threshold":      c.Dedup.KeyThreshold,
		"dedup.solution_threshold": c.Dedup.SolutionThreshold,
		"search.group_threshold":   c.Search.GroupThreshold,
		"search.min_relevance":     c.Search.MinRelevance,
		"search.remote_discount":   c.Search.RemoteDiscount,
		"consensus.variant_weight": c.Consensus.VariantWeight,
		"consensus.min_relevance":  c.Consensus.MinRelevance,
		"fraud.corpus_similarity":  c.Fraud.CorpusSimilarity,
		"cluster.match_threshold":  c.Cluster.MatchThreshold,
		"abtest.relative_margin":   c.ABTest.RelativeMargin,
		"cluster.eps":              c.Cluster.Eps,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}

	if !fieldNamePattern.MatchString(c.Consensus.ContextField) {
		return fmt.Errorf("invalid consensus context field %q", c.Consensus.ContextField)
	}
	if c.Fraud.ReportThreshold < 1 {
		return fmt.Errorf("fraud report threshold must be >= 1, got %d", c.Fraud.ReportThreshold)
	}
	if c.ABTest.MinSamples < 1 {
		return fmt.Errorf("abtest min samples must be >= 1, got %d", c.ABTest.MinSamples)
	}
	if c.Cluster.MinClusterSize < 2 {
		return fmt.Errorf("cluster min cluster size must be >= 2, got %d", c.Cluster.MinClusterSize)
	}
	if c.Identity.VoterPattern != "" {
		if _, err := regexp.Compile(c.Identity.VoterPattern); err != nil {
			return fmt.Errorf("invalid identity voter pattern: %w", err)
		}
	}
	if c.Remote.Watch && c.Remote.RecordsFile == "" {
		return errors.New("remote watch requires a records file")
	}
	if err := c.TelemetryOptions("").Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if _, err := logging.LevelFromString(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// EngineConfig maps the configuration onto the engine's component settings,
// loading the fraud patterns file when one is configured.
func (c *Config) EngineConfig() (*engine.Config, error) {
	out := &engine.Config{
		FixStore: &fixstore.Config{
			KeyThreshold:      c.Dedup.KeyThreshold,
			SolutionThreshold: c.Dedup.SolutionThreshold,
			GroupThreshold:    c.Search.GroupThreshold,
			MinRelevance:      c.Search.MinRelevance,
			RemoteDiscount:    c.Search.RemoteDiscount,
		},
		Consensus: &consensus.Config{
			VariantWeight: c.Consensus.VariantWeight,
			ContextField:  c.Consensus.ContextField,
			CacheTTL:      c.Consensus.CacheTTL.Duration(),
			MinRelevance:  c.Consensus.MinRelevance,
		},
		Fraud: &fraud.Config{
			ReportThreshold:     c.Fraud.ReportThreshold,
			CorpusSimilarity:    c.Fraud.CorpusSimilarity,
			SuspiciousThreshold: c.Fraud.SuspiciousThreshold,
			ScanSecrets:         !c.Fraud.DisableSecretScan,
		},
		ABTest: &abtest.Config{
			MinSamples:     c.ABTest.MinSamples,
			RelativeMargin: c.ABTest.RelativeMargin,
		},
		Cluster: &cluster.Config{
			Eps:            c.Cluster.Eps,
			MatchThreshold: c.Cluster.MatchThreshold,
			Dimensions:     c.Cluster.Dimensions,
		},
	}
	if c.Fraud.PatternsFile != "" {
		patterns, err := fraud.LoadPatterns(expandHome(c.Fraud.PatternsFile))
		if err != nil {
			return nil, err
		}
		out.Patterns = patterns
	}
	return out, nil
}

// LoggerConfig maps the logging section onto a logging.Config.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.LevelFromString(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level %q: %w", c.Logging.Level, err)
	}
	out := logging.NewDefaultConfig()
	out.Level = level
	out.Format = c.Logging.Format
	out.Sampling.Enabled = c.Logging.Sampling
	out.Caller.Enabled = c.Logging.Caller
	out.Output.OTEL = c.Telemetry.OTELLogs
	return out, nil
}

// TelemetryOptions maps the telemetry section onto a telemetry.Config.
func (c *Config) TelemetryOptions(version string) *telemetry.Config {
	out := telemetry.NewDefaultConfig()
	out.Enabled = c.Telemetry.Enabled
	out.Endpoint = c.Telemetry.Endpoint
	out.Protocol = c.Telemetry.Protocol
	out.Insecure = c.Telemetry.Insecure
	out.TLSSkipVerify = c.Telemetry.TLSSkipVerify
	out.SampleRate = c.Telemetry.SampleRate
	out.Metrics.Enabled = !c.Telemetry.DisableMetrics
	out.Metrics.ExportInterval = c.Telemetry.ExportInterval.Duration()
	if version != "" {
		out.ServiceVersion = version
	}
	return out
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/fixnet/fixnet.db"
	}
	if cfg.Store.LockTimeout == 0 {
		cfg.Store.LockTimeout = Duration(5 * time.Second)
	}

	fs := fixstore.DefaultConfig()
	if cfg.Dedup.KeyThreshold == 0 {
		cfg.Dedup.KeyThreshold = fs.KeyThreshold
	}
	if cfg.Dedup.SolutionThreshold == 0 {
		cfg.Dedup.SolutionThreshold = fs.SolutionThreshold
	}
	if cfg.Search.GroupThreshold == 0 {
		cfg.Search.GroupThreshold = fs.GroupThreshold
	}
	if cfg.Search.MinRelevance == 0 {
		cfg.Search.MinRelevance = fs.MinRelevance
	}
	if cfg.Search.RemoteDiscount == 0 {
		cfg.Search.RemoteDiscount = fs.RemoteDiscount
	}

	cs := consensus.DefaultConfig()
	if cfg.Consensus.VariantWeight == 0 {
		cfg.Consensus.VariantWeight = cs.VariantWeight
	}
	if cfg.Consensus.ContextField == "" {
		cfg.Consensus.ContextField = cs.ContextField
	}
	if cfg.Consensus.CacheTTL == 0 {
		cfg.Consensus.CacheTTL = Duration(cs.CacheTTL)
	}
	if cfg.Consensus.MinRelevance == 0 {
		cfg.Consensus.MinRelevance = cs.MinRelevance
	}

	fr := fraud.DefaultConfig()
	if cfg.Fraud.ReportThreshold == 0 {
		cfg.Fraud.ReportThreshold = fr.ReportThreshold
	}
	if cfg.Fraud.CorpusSimilarity == 0 {
		cfg.Fraud.CorpusSimilarity = fr.CorpusSimilarity
	}
	if cfg.Fraud.SuspiciousThreshold == 0 {
		cfg.Fraud.SuspiciousThreshold = fr.SuspiciousThreshold
	}

	ab := abtest.DefaultConfig()
	if cfg.ABTest.MinSamples == 0 {
		cfg.ABTest.MinSamples = ab.MinSamples
	}
	if cfg.ABTest.RelativeMargin == 0 {
		cfg.ABTest.RelativeMargin = ab.RelativeMargin
	}

	cl := cluster.DefaultConfig()
	if cfg.Cluster.Eps == 0 {
		cfg.Cluster.Eps = cl.Eps
	}
	if cfg.Cluster.MatchThreshold == 0 {
		cfg.Cluster.MatchThreshold = cl.MatchThreshold
	}
	if cfg.Cluster.Dimensions == 0 {
		cfg.Cluster.Dimensions = cl.Dimensions
	}
	if cfg.Cluster.MinClusterSize == 0 {
		cfg.Cluster.MinClusterSize = 2
	}

	tel := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = tel.Endpoint
		// The default collector is local, so plaintext is allowed.
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = tel.Protocol
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = tel.SampleRate
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(tel.Metrics.ExportInterval)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
