// internal/config/config.go
//
// Loads the project configuration from .stageflow/config.yaml. Precedence is
// defaults, then the file, then STAGEFLOW_* environment variables.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// STAGEFLOW_ENGINE_MAX_PARALLEL.
const EnvPrefix = "STAGEFLOW"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

const defaultConfigYAML = `# stageflow project configuration
state_dir: .stageflow

store:
  # memory, file or redis
  driver: file
  redis:
    addr: localhost:6379
    prefix: stageflow
    # Retention for finished instances. 0 keeps them.
    ttl: 0s

engine:
  # Global cap on concurrently dispatched stages. 0 means unlimited.
  max_parallel: 0
  conflict_retries: 16
  store_retries: 5
  store_backoff: 50ms
  timeout_poll_interval: 5s

log:
  level: info
  file: true
  # Append every engine event to logs/events.jsonl.
  events: true

metrics:
  addr: 127.0.0.1:9464

bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765

agents:
  # Agents with a command run as local processes. The invocation arrives as
  # JSON on stdin and the outputs are read from stdout.
  echo:
    kind: command
    command: ["cat"]
    timeout: 1m
  # External agents are completed through the bridge.
  reviewer:
    kind: external
`

// RedisConfig configures the redis store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	MaxParallel         int           `mapstructure:"max_parallel"`
	ConflictRetries     int           `mapstructure:"conflict_retries"`
	StoreRetries        int           `mapstructure:"store_retries"`
	StoreBackoff        time.Duration `mapstructure:"store_backoff"`
	TimeoutPollInterval time.Duration `mapstructure:"timeout_poll_interval"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File sends logs to <state_dir>/logs/stageflow.log instead of stderr.
	File    bool `mapstructure:"file"`
	NoColor bool `mapstructure:"no_color"`
	// Events journals engine events to <state_dir>/logs/events.jsonl.
	Events bool `mapstructure:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// BridgeConfig configures the HTTP bridge.
type BridgeConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AgentConfig declares one agent endpoint.
type AgentConfig struct {
	Kind    string            `mapstructure:"kind"`
	Command []string          `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// Config holds the runtime configuration for stageflow.
type Config struct {
	StateDir string                 `mapstructure:"state_dir"`
	Store    StoreConfig            `mapstructure:"store"`
	Engine   EngineConfig           `mapstructure:"engine"`
	Log      LogConfig              `mapstructure:"log"`
	Metrics  MetricsConfig          `mapstructure:"metrics"`
	Bridge   BridgeConfig           `mapstructure:"bridge"`
	Agents   map[string]AgentConfig `mapstructure:"agents"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Init creates the state directory layout under projectDir and writes the
// default config when none exists.
func Init(projectDir string) (workflow.Layout, error) {
	layout := workflow.NewLayout(filepath.Join(projectDir, workflow.DefaultStateDir))
	if err := layout.EnsureDirs(); err != nil {
		return layout, fmt.Errorf("config: create %s: %w", layout.Root(), err)
	}
	if err := ensureConfigFile(layout.ConfigPath()); err != nil {
		return layout, fmt.Errorf("config: write %s: %w", layout.ConfigPath(), err)
	}
	return layout, nil
}

// Load reads configuration. An empty path looks for
// .stageflow/config.yaml in the working directory; a missing file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(workflow.FileConfig, filepath.Ext(workflow.FileConfig)))
		v.SetConfigType("yaml")
		v.AddConfigPath(workflow.DefaultStateDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("config: read %s: %w", displayPath(path), err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", workflow.DefaultStateDir)

	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "stageflow")
	v.SetDefault("store.redis.ttl", time.Duration(0))

	v.SetDefault("engine.max_parallel", 0)
	v.SetDefault("engine.conflict_retries", 16)
	v.SetDefault("engine.store_retries", 5)
	v.SetDefault("engine.store_backoff", 50*time.Millisecond)
	v.SetDefault("engine.timeout_poll_interval", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", false)
	v.SetDefault("log.no_color", false)
	v.SetDefault("log.events", true)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 8765)
	v.SetDefault("bridge.max_body_bytes", int64(1<<20))
	v.SetDefault("bridge.read_timeout", 15*time.Second)
	v.SetDefault("bridge.write_timeout", 15*time.Second)
	v.SetDefault("bridge.idle_timeout", 60*time.Second)
}

func (c *Config) normalize() {
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = workflow.DefaultStateDir
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverFile:
	case DriverRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver must be %s, %s or %s", DriverMemory, DriverFile, DriverRedis)
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must be >= 0")
	}
	if c.Engine.ConflictRetries < 0 || c.Engine.StoreRetries < 0 {
		return fmt.Errorf("engine retries must be >= 0")
	}
	if _, err := c.Endpoints(); err != nil {
		return err
	}
	return nil
}

// Layout returns the state directory layout.
func (c *Config) Layout() workflow.Layout {
	return workflow.NewLayout(c.StateDir)
}

// Endpoints converts the agents section into endpoints sorted by name.
// Environment keys are upper-cased since config keys are case-insensitive.
func (c *Config) Endpoints() ([]agent.Endpoint, error) {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	endpoints := make([]agent.Endpoint, 0, len(names))
	for _, name := range names {
		raw := c.Agents[name]
		endpoint := agent.Endpoint{
			Name:    name,
			Kind:    agent.Kind(strings.ToLower(strings.TrimSpace(raw.Kind))),
			Command: append([]string(nil), raw.Command...),
			Timeout: raw.Timeout,
		}
		if len(raw.Env) > 0 {
			endpoint.Env = make(map[string]string, len(raw.Env))
			for key, value := range raw.Env {
				endpoint.Env[strings.ToUpper(key)] = value
			}
		}
		if err := endpoint.Validate(); err != nil {
			return nil, fmt.Errorf("agents.%s: %w", name, err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

// Registry builds an agent registry from the agents section.
func (c *Config) Registry() (*agent.Registry, error) {
	endpoints, err := c.Endpoints()
	if err != nil {
		return nil, err
	}
	registry := agent.NewRegistry()
	for _, endpoint := range endpoints {
		if err := registry.Register(endpoint); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func displayPath(path string) string {
	if path == "" {
		return filepath.Join(workflow.DefaultStateDir, workflow.FileConfig)
	}
	return path
}
