package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
// It is built once at startup and treated as immutable afterwards.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`
	Lease      LeaseConfig      `yaml:"lease"`

	// Investigation core
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Rules        RuleSettings       `yaml:"rules"`
	Detectors    DetectorSettings   `yaml:"detectors"`
	Risk         RiskSettings       `yaml:"risk"`
	Approval     ApprovalSettings   `yaml:"approval"`
	History      HistorySettings    `yaml:"history"`
	Oracle       OracleConfig       `yaml:"oracle"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// LeaseConfig selects the per-case lock implementation.
type LeaseConfig struct {
	// Type is "memory" (single process) or "redis" (multi-process lease)
	Type      string        `yaml:"type"`
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// OrchestratorConfig controls scheduling and the retry policy.
type OrchestratorConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	MaxAttempts  int           `yaml:"maxAttempts"` // per stage, including the first
	BaseBackoff  time.Duration `yaml:"baseBackoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	StageTimeout time.Duration `yaml:"stageTimeout"`
}

// RuleSettings are the built-in rule engine constants.
type RuleSettings struct {
	ReportingThreshold float64 `yaml:"reportingThreshold"`

	// Near-threshold amount rule
	NearThresholdBand    float64       `yaml:"nearThresholdBand"` // fraction below threshold, e.g. 0.05
	NearThresholdPoints  int           `yaml:"nearThresholdPoints"`
	RepeatWindow         time.Duration `yaml:"repeatWindow"`
	RepeatPoints         int           `yaml:"repeatPoints"`
	RepeatCap            int           `yaml:"repeatCap"` // repetitions at full points
	NearThresholdCeiling int           `yaml:"nearThresholdCeiling"`

	// Velocity rule
	VelocityWindow    time.Duration `yaml:"velocityWindow"`
	VelocityCutoff    int           `yaml:"velocityCutoff"`
	VelocityPerExcess int           `yaml:"velocityPerExcess"`
	VelocityCeiling   int           `yaml:"velocityCeiling"`

	// Geography rule
	HighRiskCountries []string `yaml:"highRiskCountries"`
	TaxHavenCountries []string `yaml:"taxHavenCountries"`
	HighRiskPoints    int      `yaml:"highRiskPoints"`
	TaxHavenPoints    int      `yaml:"taxHavenPoints"`

	// Keyword rule
	SuspiciousKeywords []string `yaml:"suspiciousKeywords"`
	KeywordPoints      int      `yaml:"keywordPoints"`

	// Operator-defined CEL rules
	CustomRuleCeiling int `yaml:"customRuleCeiling"`
}

// DetectorSettings configure the pattern detectors.
type DetectorSettings struct {
	StructuringMinCount     int           `yaml:"structuringMinCount"`
	StructuringWindow       time.Duration `yaml:"structuringWindow"`
	StructuringBaseStrength float64       `yaml:"structuringBaseStrength"`

	SmurfingMinSenders int           `yaml:"smurfingMinSenders"`
	SmurfingWindow     time.Duration `yaml:"smurfingWindow"`
	SmurfingMinTotal   float64       `yaml:"smurfingMinTotal"`

	BehavioralZCutoff    float64 `yaml:"behavioralZCutoff"`
	BehavioralMinSamples int     `yaml:"behavioralMinSamples"`

	GeoHighRiskStrength float64 `yaml:"geoHighRiskStrength"`
	GeoTaxHavenStrength float64 `yaml:"geoTaxHavenStrength"`
}

// RiskSettings configure the risk aggregator.
type RiskSettings struct {
	RuleWeight    float64 `yaml:"ruleWeight"`
	FindingWeight float64 `yaml:"findingWeight"`

	// Lower bounds of each band; Low starts at 0.
	MediumFrom   float64 `yaml:"mediumFrom"`
	HighFrom     float64 `yaml:"highFrom"`
	CriticalFrom float64 `yaml:"criticalFrom"`

	ConfidenceBase      float64 `yaml:"confidenceBase"`
	ConfidencePerSignal float64 `yaml:"confidencePerSignal"`
}

// ApprovalSettings configure the approval gate.
type ApprovalSettings struct {
	Threshold RiskLevel `yaml:"threshold"`
}

// HistorySettings configure related-window and feature lookups.
type HistorySettings struct {
	RelatedLookback time.Duration `yaml:"relatedLookback"`
	FeatureLookback time.Duration `yaml:"featureLookback"`
	FeatureCacheTTL time.Duration `yaml:"featureCacheTtl"`
	MaxRelated      int           `yaml:"maxRelated"`
}

// OracleConfig selects how the analysis oracle is reached.
type OracleConfig struct {
	// Mode is "static" (built-in deterministic responder served on the bus)
	// or "bus" (an external responder subscribes to the oracle topics)
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the single-node tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the multi-node tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultRules returns the built-in rule constants. The point values are
// tuning defaults, exposed for override through configuration.
func DefaultRules() RuleSettings {
	return RuleSettings{
		ReportingThreshold:   10000,
		NearThresholdBand:    0.05,
		NearThresholdPoints:  20,
		RepeatWindow:         24 * time.Hour,
		RepeatPoints:         10,
		RepeatCap:            3,
		NearThresholdCeiling: 50,
		VelocityWindow:       7 * 24 * time.Hour,
		VelocityCutoff:       10,
		VelocityPerExcess:    5,
		VelocityCeiling:      25,
		HighRiskCountries:    []string{"AF", "IR", "KP", "SY", "VE", "CU", "BY", "MM", "ZW", "RU"},
		TaxHavenCountries:    []string{"KY", "VG", "BM", "PA", "MT", "AE", "LI", "MC", "AN"},
		HighRiskPoints:       25,
		TaxHavenPoints:       10,
		SuspiciousKeywords:   []string{"cash", "crypto", "bitcoin", "offshore", "shell company", "gift card", "bearer", "loan repayment"},
		KeywordPoints:        15,
		CustomRuleCeiling:    25,
	}
}

// DefaultDetectors returns the default detector settings.
func DefaultDetectors() DetectorSettings {
	return DetectorSettings{
		StructuringMinCount:     3,
		StructuringWindow:       24 * time.Hour,
		StructuringBaseStrength: 0.6,
		SmurfingMinSenders:      3,
		SmurfingWindow:          15 * time.Minute,
		SmurfingMinTotal:        10000,
		BehavioralZCutoff:       3.0,
		BehavioralMinSamples:    5,
		GeoHighRiskStrength:     1.0,
		GeoTaxHavenStrength:     0.5,
	}
}

// DefaultRisk returns the default aggregator settings.
func DefaultRisk() RiskSettings {
	return RiskSettings{
		RuleWeight:          0.8,
		FindingWeight:       20,
		MediumFrom:          40,
		HighFrom:            65,
		CriticalFrom:        75,
		ConfidenceBase:      0.25,
		ConfidencePerSignal: 0.15,
	}
}

// DefaultOrchestrator returns the default scheduling settings.
func DefaultOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:      4,
		QueueSize:    1024,
		MaxAttempts:  3,
		BaseBackoff:  200 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
		StageTimeout: 30 * time.Second,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Lease: LeaseConfig{
			Type: "memory",
			TTL:  time.Minute,
		},
		Orchestrator: DefaultOrchestrator(),
		Rules:        DefaultRules(),
		Detectors:    DefaultDetectors(),
		Risk:         DefaultRisk(),
		Approval:     ApprovalSettings{Threshold: RiskHigh},
		History: HistorySettings{
			RelatedLookback: 7 * 24 * time.Hour,
			FeatureLookback: 90 * 24 * time.Hour,
			FeatureCacheTTL: 10 * time.Minute,
			MaxRelated:      500,
		},
		Oracle: OracleConfig{
			Mode:    "static",
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Lease = LeaseConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		TTL:       time.Minute,
	}
	cfg.Oracle.Mode = "bus"
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the investigation settings for internal consistency.
func (c *Config) Validate() error {
	r := c.Risk
	if r.RuleWeight < 0 || r.FindingWeight < 0 {
		return fmt.Errorf("%w: risk weights must be non-negative", ErrValidation)
	}
	if !(0 < r.MediumFrom && r.MediumFrom < r.HighFrom && r.HighFrom < r.CriticalFrom && r.CriticalFrom <= 100) {
		return fmt.Errorf("%w: risk bands must satisfy 0 < medium < high < critical <= 100", ErrValidation)
	}
	if c.Approval.Threshold < RiskLow || c.Approval.Threshold > RiskCritical {
		return fmt.Errorf("%w: approval threshold out of range", ErrValidation)
	}
	o := c.Orchestrator
	if o.Workers <= 0 || o.MaxAttempts <= 0 || o.StageTimeout <= 0 {
		return fmt.Errorf("%w: orchestrator workers, maxAttempts and stageTimeout must be positive", ErrValidation)
	}
	if c.Rules.ReportingThreshold <= 0 {
		return fmt.Errorf("%w: reporting threshold must be positive", ErrValidation)
	}
	if c.Oracle.Mode != "static" && c.Oracle.Mode != "bus" {
		return fmt.Errorf("%w: oracle mode must be static or bus", ErrValidation)
	}
	if c.Detectors.StructuringMinCount <= 0 || c.Detectors.SmurfingMinSenders <= 0 || c.Detectors.BehavioralZCutoff <= 0 {
		return fmt.Errorf("%w: detector minimums must be positive", ErrValidation)
	}
	return nil
}
