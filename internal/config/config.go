// Package config loads and validates the agent's configuration surface
// (spec §6). It follows the teacher repository's env-var loading idiom
// (infrastructure/config/config.go): typed getEnv* helpers with
// defaults, a Validate() that fails fast, and a thin functional-options
// constructor for hosts that want to build a Config programmatically
// instead of from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brain2apm/agent/internal/apmerrors"
)

// ExplainVerbosity mirrors the three verbosity levels a database
// driver's explain() sidecar can be asked for (spec §6).
type ExplainVerbosity string

const (
	ExplainQueryPlanner     ExplainVerbosity = "queryPlanner"
	ExplainExecutionStats   ExplainVerbosity = "executionStats"
	ExplainAllPlansExecution ExplainVerbosity = "allPlansExecution"
)

// Config is the full enumerated configuration surface from spec §6.
type Config struct {
	APIKey   string
	Endpoint string
	Enabled  bool
	Debug    bool
	Host     string
	AppVersion string

	BatchSize      int
	BatchSizeBytes int64
	FlushInterval  time.Duration

	TraceSampleRate float64
	RUMSampleRate   float64

	RequestTimeout time.Duration
	MaxRetries     int

	CaptureIndexUsage     bool
	IndexUsageSampleRate  float64
	ExplainVerbosity      ExplainVerbosity
	ExplainSlowQueriesOnly bool
	SlowQueryThreshold    time.Duration

	MaxArgLength int

	UseWorkerThread bool
	WorkerThreshold int

	JobsPackage string

	// MinN1TotalDuration resolves spec §9's open question about the
	// N+1 emission threshold being configurable; default matches the
	// spec's literal 2ms so the §8 worked examples hold unmodified.
	MinN1TotalDuration time.Duration

	Collectors CollectorToggles

	// OTelEnabled turns on the optional OpenTelemetry span bridge
	// (internal/otelbridge): a host running its own OTel collector can
	// opt in to seeing this agent's Traces as spans in that same
	// backend, additively, without otherwise affecting emission.
	OTelEnabled     bool
	OTelServiceName string
}

// CollectorToggles enumerates per-collector enable flags and intervals
// (spec §6 "per-collector intervals, per-collector enable flags").
type CollectorToggles struct {
	DatabaseEnabled    bool
	QueueWaitEnabled   bool
	ObserverEnabled    bool
	DNSEnabled         bool
	EnvEnabled         bool
	DeprecatedAPIEnabled bool
	OutboundHTTPEnabled bool
	PublicationEnabled bool
	JobEnabled         bool
	CPUProfileEnabled  bool
	LogEnabled         bool

	DNSInterval        time.Duration
	EnvInterval        time.Duration
	DeprecatedAPIInterval time.Duration
	OutboundHTTPInterval time.Duration
	PublicationInterval time.Duration
	JobInterval        time.Duration
	CPUProfileInterval time.Duration
	ObserverSendInterval time.Duration

	ObserverMaxRecords int
}

// Default returns the documented defaults from spec §6.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Endpoint:        "https://ingest.example-apm.com",
		Enabled:         true,
		Host:            host,
		BatchSize:       50,
		BatchSizeBytes:  262144,
		FlushInterval:   10 * time.Second,
		TraceSampleRate: 1.0,
		RUMSampleRate:   0.5,
		RequestTimeout:  3 * time.Second,
		MaxRetries:      3,
		IndexUsageSampleRate: 0.05,
		ExplainVerbosity: ExplainQueryPlanner,
		SlowQueryThreshold: time.Second,
		MaxArgLength:    1000,
		WorkerThreshold: 50,
		MinN1TotalDuration: 2 * time.Millisecond,
		Collectors: CollectorToggles{
			DatabaseEnabled:    true,
			QueueWaitEnabled:   true,
			ObserverEnabled:    true,
			DNSEnabled:         true,
			EnvEnabled:         true,
			DeprecatedAPIEnabled: true,
			OutboundHTTPEnabled: true,
			PublicationEnabled: true,
			JobEnabled:         true,
			CPUProfileEnabled:  true,
			LogEnabled:         true,
			DNSInterval:        60 * time.Second,
			EnvInterval:        5 * time.Minute,
			DeprecatedAPIInterval: 30 * time.Second,
			OutboundHTTPInterval: 30 * time.Second,
			PublicationInterval: 30 * time.Second,
			JobInterval:        30 * time.Second,
			CPUProfileInterval: 15 * time.Second,
			ObserverSendInterval: 10 * time.Second,
			ObserverMaxRecords: 5000,
		},
		OTelServiceName: "apm-agent",
	}
}

// Load builds a Config from the process environment, layered on top of
// Default(), matching the teacher's getEnv/getEnvBool/getEnvInt style.
func Load() (*Config, error) {
	cfg := Default()

	cfg.APIKey = getEnv("APM_API_KEY", cfg.APIKey)
	cfg.Endpoint = getEnv("APM_ENDPOINT", cfg.Endpoint)
	cfg.Enabled = getEnvBool("APM_ENABLED", cfg.Enabled)
	cfg.Debug = getEnvBool("APM_DEBUG", cfg.Debug)
	cfg.AppVersion = getEnv("APM_APP_VERSION", cfg.AppVersion)

	cfg.BatchSize = getEnvInt("APM_BATCH_SIZE", cfg.BatchSize)
	cfg.BatchSizeBytes = int64(getEnvInt("APM_BATCH_SIZE_BYTES", int(cfg.BatchSizeBytes)))
	cfg.FlushInterval = getEnvDuration("APM_FLUSH_INTERVAL_MS", cfg.FlushInterval)

	cfg.TraceSampleRate = getEnvFloat("APM_TRACE_SAMPLE_RATE", cfg.TraceSampleRate)
	cfg.RUMSampleRate = getEnvFloat("APM_RUM_SAMPLE_RATE", cfg.RUMSampleRate)

	cfg.RequestTimeout = getEnvDuration("APM_REQUEST_TIMEOUT_MS", cfg.RequestTimeout)
	cfg.MaxRetries = getEnvInt("APM_MAX_RETRIES", cfg.MaxRetries)

	cfg.CaptureIndexUsage = getEnvBool("APM_CAPTURE_INDEX_USAGE", cfg.CaptureIndexUsage)
	cfg.IndexUsageSampleRate = getEnvFloat("APM_INDEX_USAGE_SAMPLE_RATE", cfg.IndexUsageSampleRate)
	if v := os.Getenv("APM_EXPLAIN_VERBOSITY"); v != "" {
		cfg.ExplainVerbosity = ExplainVerbosity(v)
	}
	cfg.ExplainSlowQueriesOnly = getEnvBool("APM_EXPLAIN_SLOW_QUERIES_ONLY", cfg.ExplainSlowQueriesOnly)
	cfg.SlowQueryThreshold = getEnvDuration("APM_SLOW_QUERY_THRESHOLD_MS", cfg.SlowQueryThreshold)

	cfg.MaxArgLength = getEnvInt("APM_MAX_ARG_LENGTH", cfg.MaxArgLength)
	cfg.UseWorkerThread = getEnvBool("APM_USE_WORKER_THREAD", cfg.UseWorkerThread)
	cfg.WorkerThreshold = getEnvInt("APM_WORKER_THRESHOLD", cfg.WorkerThreshold)
	cfg.JobsPackage = getEnv("APM_JOBS_PACKAGE", cfg.JobsPackage)

	cfg.OTelEnabled = getEnvBool("APM_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelServiceName = getEnv("APM_OTEL_SERVICE_NAME", cfg.OTelServiceName)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile layers a YAML overlay on top of Default() (spec §11's
// supplementary config-file format; the host's own settings format
// stays out of scope per spec §1).
func FromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apmerrors.Configuration(fmt.Sprintf("reading config file %s", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apmerrors.Configuration(fmt.Sprintf("parsing config file %s: %v", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Option mutates a Config under construction; the seam a host adapter
// uses instead of environment variables.
type Option func(*Config)

func WithAPIKey(key string) Option       { return func(c *Config) { c.APIKey = key } }
func WithEndpoint(url string) Option     { return func(c *Config) { c.Endpoint = url } }
func WithFlushInterval(d time.Duration) Option { return func(c *Config) { c.FlushInterval = d } }
func WithTraceSampleRate(r float64) Option { return func(c *Config) { c.TraceSampleRate = r } }
func WithDisabled() Option                { return func(c *Config) { c.Enabled = false } }

// FromOptions builds a Config from Default() plus the given Options.
func FromOptions(opts ...Option) (*Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the constraints enumerated in spec §6: required
// API key, sample-rate bounds, known verbosity strings, and the
// flushInterval floor.
func (c *Config) Validate() error {
	if c.Enabled && c.APIKey == "" {
		return apmerrors.Configuration("apiKey is required when the agent is enabled")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return apmerrors.Configuration("traceSampleRate must be between 0 and 1")
	}
	if c.RUMSampleRate < 0 || c.RUMSampleRate > 1 {
		return apmerrors.Configuration("rumSampleRate must be between 0 and 1")
	}
	if c.IndexUsageSampleRate < 0 || c.IndexUsageSampleRate > 1 {
		return apmerrors.Configuration("indexUsageSampleRate must be between 0 and 1")
	}
	if c.FlushInterval < time.Second {
		return apmerrors.Configuration("flushInterval must be at least 1000ms")
	}
	switch c.ExplainVerbosity {
	case ExplainQueryPlanner, ExplainExecutionStats, ExplainAllPlansExecution:
	default:
		return apmerrors.Configuration(fmt.Sprintf("unknown explainVerbosity %q", c.ExplainVerbosity))
	}
	if c.RequestTimeout <= 0 {
		return apmerrors.Configuration("requestTimeout must be positive")
	}
	if c.MaxRetries < 0 {
		return apmerrors.Configuration("maxRetries must not be negative")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
