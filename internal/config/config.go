package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/slate-dev/slate/internal/model"
)

// EnvPrefix is prepended to environment overrides, e.g. SLATE_MONITOR_STALE_AFTER
const EnvPrefix = "SLATE"

// Config is the full runtime configuration
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Registry RegistryConfig `mapstructure:"registry"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Lock     LockConfig     `mapstructure:"lock"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// NATSConfig configures the event broker. An empty URL disables publishing.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RoutingConfig struct {
	DefaultAgent string           `mapstructure:"default_agent"`
	MaxDeferrals int              `mapstructure:"max_deferrals"`
	Rules        []model.KindRule `mapstructure:"rules"`
	Retry        RetryConfig      `mapstructure:"retry"`
}

// RetryConfig selects the deferral policy
type RetryConfig struct {
	Mode            string        `mapstructure:"mode"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type MonitorConfig struct {
	StaleAfter      time.Duration    `mapstructure:"stale_after"`
	AbandonedAfter  time.Duration    `mapstructure:"abandoned_after"`
	MaxConcurrent   int              `mapstructure:"max_concurrent"` // gate and assignment cap
	MetricsInterval time.Duration    `mapstructure:"metrics_interval"`
	Duplicates      DuplicatesConfig `mapstructure:"duplicates"`
}

type DuplicatesConfig struct {
	Mode      string  `mapstructure:"mode"`
	Threshold float64 `mapstructure:"threshold"`
}

type RegistryConfig struct {
	AgentsFile       string        `mapstructure:"agents_file"`
	StateFile        string        `mapstructure:"state_file"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	OllamaURL        string        `mapstructure:"ollama_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

// BudgetConfig sizes the resource ledger. Zero CPU or RAM is read from the host.
type BudgetConfig struct {
	GPUs     []model.GPUDevice `mapstructure:"gpus"`
	CPUCores int               `mapstructure:"cpu_cores"`
	RAMMB    int64             `mapstructure:"ram_mb"`
}

// ScheduleConfig holds cron expressions for the periodic jobs
type ScheduleConfig struct {
	Tick  string `mapstructure:"tick"`
	Sweep string `mapstructure:"sweep"`
}

type LockConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".slate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("nats.url", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("routing.default_agent", string(model.AgentGamma))
	v.SetDefault("routing.max_deferrals", 10)
	v.SetDefault("routing.rules", []model.KindRule{})
	v.SetDefault("routing.retry.mode", "backoff")
	v.SetDefault("routing.retry.initial_interval", 30*time.Second)
	v.SetDefault("routing.retry.max_interval", 10*time.Minute)
	v.SetDefault("routing.retry.multiplier", 2.0)

	v.SetDefault("monitor.stale_after", 4*time.Hour)
	v.SetDefault("monitor.abandoned_after", 24*time.Hour)
	v.SetDefault("monitor.max_concurrent", 5)
	v.SetDefault("monitor.metrics_interval", time.Minute)
	v.SetDefault("monitor.duplicates.mode", "normalized")
	v.SetDefault("monitor.duplicates.threshold", 0.9)

	v.SetDefault("registry.agents_file", "")
	v.SetDefault("registry.state_file", "")
	v.SetDefault("registry.health_interval", 30*time.Second)
	v.SetDefault("registry.failure_threshold", 3)
	v.SetDefault("registry.open_timeout", time.Minute)
	v.SetDefault("registry.ollama_url", "")
	v.SetDefault("registry.probe_timeout", 5*time.Second)

	v.SetDefault("budget.gpus", []model.GPUDevice{})
	v.SetDefault("budget.cpu_cores", 0)
	v.SetDefault("budget.ram_mb", 0)

	v.SetDefault("schedule.tick", "@every 30s")
	v.SetDefault("schedule.sweep", "@every 5m")

	v.SetDefault("lock.timeout", 10*time.Second)
	v.SetDefault("lock.retry_interval", 100*time.Millisecond)
}

// Load reads configuration from path, or from slate.yaml in ./config and
// $HOME/.slate when path is empty. A missing file leaves the defaults.
// SLATE_* environment variables, including those from a .env file, override the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("slate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".slate"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := model.ParseAgentID(c.Routing.DefaultAgent); err != nil {
		return fmt.Errorf("routing.default_agent: %w", err)
	}
	switch strings.ToLower(c.Routing.Retry.Mode) {
	case "backoff", "fixed":
	default:
		return fmt.Errorf("routing.retry.mode must be backoff or fixed, got %q", c.Routing.Retry.Mode)
	}
	switch strings.ToLower(c.Monitor.Duplicates.Mode) {
	case "exact", "normalized", "fuzzy":
	default:
		return fmt.Errorf("monitor.duplicates.mode must be exact, normalized or fuzzy, got %q", c.Monitor.Duplicates.Mode)
	}
	if t := c.Monitor.Duplicates.Threshold; t <= 0 || t > 1 {
		return fmt.Errorf("monitor.duplicates.threshold must be in (0, 1], got %v", t)
	}
	if c.Monitor.MaxConcurrent <= 0 {
		return fmt.Errorf("monitor.max_concurrent must be positive, got %d", c.Monitor.MaxConcurrent)
	}
	if c.Routing.MaxDeferrals < 0 {
		return fmt.Errorf("routing.max_deferrals must not be negative, got %d", c.Routing.MaxDeferrals)
	}
	return nil
}

// DBPath is the SQLite database file under the data directory
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "slate.db")
}

// LockPath is the advisory lock file taken by CLI ticks and sweeps
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "slate.lock")
}

// StatePath is where registry state is saved, defaulting to the data directory
func (c *Config) StatePath() string {
	if c.Registry.StateFile != "" {
		return c.Registry.StateFile
	}
	return filepath.Join(c.DataDir, "registry_state.json")
}
