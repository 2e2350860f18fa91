package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/tracing"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultPath is used when VOYAGE_CONFIG_PATH is unset.
const DefaultPath = "/app/config/voyage.yaml"

// Checkpoint backends.
const (
	BackendMemory   = checkpoint.BackendMemory
	BackendRedis    = checkpoint.BackendRedis
	BackendPostgres = checkpoint.BackendPostgres
	BackendSQLite   = checkpoint.BackendSQLite
)

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DecisionConfig struct {
	HighConfidence int `mapstructure:"high_confidence"`
	LowConfidence  int `mapstructure:"low_confidence"`
}

type IntentConfig struct {
	LLMConfidenceFloor int           `mapstructure:"llm_confidence_floor"`
	ClassifierTimeout  time.Duration `mapstructure:"classifier_timeout"`
}

type ExecutorConfig struct {
	MaxTurns            int           `mapstructure:"max_turns"`
	MaxReasoningSteps   int           `mapstructure:"max_reasoning_steps"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	LoopWindow          int           `mapstructure:"loop_window"`
	LoopThreshold       int           `mapstructure:"loop_threshold"`
	WorkerTimeout       time.Duration `mapstructure:"worker_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ReasoningTimeout    time.Duration `mapstructure:"reasoning_timeout"`
}

type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	WeatherTTL time.Duration `mapstructure:"weather_ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type LLMConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type CheckpointConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	DSN       string        `mapstructure:"dsn"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RegistryConfig struct {
	Path            string `mapstructure:"path"`
	DisableDefaults bool   `mapstructure:"disable_defaults"`
}

// WorkerConfig points a worker at its domain service.
type WorkerConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	Port                 int           `mapstructure:"port"`
	AdminPort            int           `mapstructure:"admin_port"`
	IdempotencyRedisAddr string        `mapstructure:"idempotency_redis_addr"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
}

type StreamingConfig struct {
	ReplayCapacity int `mapstructure:"replay_capacity"`
	MaxStreams     int `mapstructure:"max_streams"`
}

// Config is the full service configuration.
type Config struct {
	Logging    LoggingConfig           `mapstructure:"logging"`
	Decision   DecisionConfig          `mapstructure:"decision"`
	Intent     IntentConfig            `mapstructure:"intent"`
	Executor   ExecutorConfig          `mapstructure:"executor"`
	Cache      CacheConfig             `mapstructure:"cache"`
	LLM        LLMConfig               `mapstructure:"llm"`
	Checkpoint CheckpointConfig        `mapstructure:"checkpoint"`
	Registry   RegistryConfig          `mapstructure:"registry"`
	Workers    map[string]WorkerConfig `mapstructure:"workers"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Streaming  StreamingConfig         `mapstructure:"streaming"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
}

// Path returns the config file location from VOYAGE_CONFIG_PATH or the
// default.
func Path() string {
	if p := os.Getenv("VOYAGE_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// newViper creates a viper instance with every default registered so that
// VOYAGE_* environment variables override any key.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VOYAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("decision.high_confidence", 80)
	v.SetDefault("decision.low_confidence", 30)

	v.SetDefault("intent.llm_confidence_floor", 70)
	v.SetDefault("intent.classifier_timeout", 10*time.Second)

	v.SetDefault("executor.max_turns", 100)
	v.SetDefault("executor.max_reasoning_steps", 15)
	v.SetDefault("executor.max_recovery_attempts", 3)
	v.SetDefault("executor.loop_window", 10)
	v.SetDefault("executor.loop_threshold", 3)
	v.SetDefault("executor.worker_timeout", 30*time.Second)
	v.SetDefault("executor.request_timeout", 2*time.Minute)
	v.SetDefault("executor.reasoning_timeout", 30*time.Second)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.weather_ttl", 30*time.Minute)
	v.SetDefault("cache.max_entries", 1000)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.rate_per_second", 5.0)
	v.SetDefault("llm.burst", 10)

	v.SetDefault("checkpoint.backend", BackendMemory)
	v.SetDefault("checkpoint.redis_addr", "")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.ttl", 24*time.Hour)

	v.SetDefault("registry.path", "")
	v.SetDefault("registry.disable_defaults", false)

	for _, w := range agents.Workers() {
		v.SetDefault("workers."+w+".endpoint", "")
		v.SetDefault("workers."+w+".timeout", 30*time.Second)
	}

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.admin_port", 8081)
	v.SetDefault("http.idempotency_redis_addr", "")
	v.SetDefault("http.idempotency_ttl", 24*time.Hour)

	v.SetDefault("streaming.replay_capacity", 256)
	v.SetDefault("streaming.max_streams", 1024)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "voyage-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// read loads the file when it exists. A missing file is not an error.
func read(v *viper.Viper, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	return true, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if _, err := read(v, path); err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !inPercent(c.Decision.HighConfidence) || !inPercent(c.Decision.LowConfidence) {
		add("decision thresholds must be within 0..100")
	}
	if c.Decision.LowConfidence >= c.Decision.HighConfidence {
		add("decision.low_confidence (%d) must be below decision.high_confidence (%d)",
			c.Decision.LowConfidence, c.Decision.HighConfidence)
	}
	if !inPercent(c.Intent.LLMConfidenceFloor) {
		add("intent.llm_confidence_floor must be within 0..100, got %d", c.Intent.LLMConfidenceFloor)
	}

	for name, n := range map[string]int{
		"executor.max_turns":             c.Executor.MaxTurns,
		"executor.max_reasoning_steps":   c.Executor.MaxReasoningSteps,
		"executor.max_recovery_attempts": c.Executor.MaxRecoveryAttempts,
		"executor.loop_window":           c.Executor.LoopWindow,
		"executor.loop_threshold":        c.Executor.LoopThreshold,
		"cache.max_entries":              c.Cache.MaxEntries,
	} {
		if n <= 0 {
			add("%s must be positive, got %d", name, n)
		}
	}
	if c.Executor.WorkerTimeout <= 0 || c.Executor.RequestTimeout <= 0 {
		add("executor timeouts must be positive")
	} else if c.Executor.WorkerTimeout >= c.Executor.RequestTimeout {
		add("executor.worker_timeout (%s) must be shorter than executor.request_timeout (%s)",
			c.Executor.WorkerTimeout, c.Executor.RequestTimeout)
	}

	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			add("checkpoint.redis_addr is required for the redis backend")
		}
	case BackendPostgres, BackendSQLite:
		if c.Checkpoint.DSN == "" {
			add("checkpoint.dsn is required for the %s backend", c.Checkpoint.Backend)
		}
	default:
		add("unknown checkpoint.backend %q", c.Checkpoint.Backend)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

func inPercent(n int) bool { return n >= 0 && n <= 100 }
