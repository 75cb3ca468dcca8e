// Package config provides configuration for the sync core with layered
// sources: defaults in code, an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Duration wraps time.Duration so YAML files can say "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Sync holds the tunables for the store, coordinator, and batch controller.
type Sync struct {
	// ConflictWindow is the time span within which two updates touching the
	// same fields count as a concurrent edit.
	ConflictWindow Duration `yaml:"conflict_window"`
	// DebounceInterval is the quiet period for debounced persistence.
	DebounceInterval Duration `yaml:"debounce_interval"`
	// BatchTimeout is the inactivity window before a batch auto-commits.
	BatchTimeout Duration `yaml:"batch_timeout"`
	// WaitGracePeriod is the extra wait after a WaitForPersistence timeout
	// before the unfinished subset is reported as failed.
	WaitGracePeriod Duration `yaml:"wait_grace_period"`
	// StatusRetention is how long a terminal operation status stays visible
	// before it is swept.
	StatusRetention Duration `yaml:"status_retention"`
	// DefaultStrategy names the conflict resolver used when none is selected.
	DefaultStrategy string `yaml:"default_strategy" validate:"required,oneof=last-write-wins field-merge operational-transform manual"`
	// PlaceholderPrefixes maps node types to the boilerplate content their
	// plugin seeds; a node carrying only its prefix is a placeholder.
	PlaceholderPrefixes map[string]string `yaml:"placeholder_prefixes"`
}

// Storage selects and configures the durable backend.
type Storage struct {
	// Backend is "memory" or "dynamodb".
	Backend   string `yaml:"backend" validate:"required,oneof=memory dynamodb"`
	TableName string `yaml:"table_name"`
	IndexName string `yaml:"index_name"`
	// Retry / circuit breaker decorators around the backend.
	MaxRetries     int  `yaml:"max_retries" validate:"gte=0,lte=10"`
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

// Server configures the operational HTTP surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Config is the root configuration object.
type Config struct {
	Environment   Environment `yaml:"environment" validate:"required,oneof=development production"`
	Sync          Sync        `yaml:"sync"`
	Storage       Storage     `yaml:"storage"`
	Server        Server      `yaml:"server"`
	EnableMetrics bool        `yaml:"enable_metrics"`
}

// Default returns the configuration defaults the rest of the layering
// overlays.
func Default() *Config {
	return &Config{
		Environment: Development,
		Sync: Sync{
			ConflictWindow:   Duration(5 * time.Second),
			DebounceInterval: Duration(500 * time.Millisecond),
			BatchTimeout:     Duration(2 * time.Second),
			WaitGracePeriod:  Duration(100 * time.Millisecond),
			StatusRetention:  Duration(30 * time.Second),
			DefaultStrategy:  "last-write-wins",
			PlaceholderPrefixes: map[string]string{
				"ordered-list":   "1. ",
				"unordered-list": "- ",
				"task":           "[ ] ",
				"quote":          "> ",
			},
		},
		Storage: Storage{
			Backend:    "memory",
			TableName:  "treedoc-nodes",
			IndexName:  "ContainerIndex",
			MaxRetries: 3,
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variable overrides, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults plus the named YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		c.Environment = Environment(env)
	}
	if v := os.Getenv("TABLE_NAME"); v != "" {
		c.Storage.TableName = v
	}
	if v := os.Getenv("INDEX_NAME"); v != "" {
		c.Storage.IndexName = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ENABLE_METRICS"); v != "" {
		c.EnableMetrics = v == "true"
	}
	if v := os.Getenv("CONFLICT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.ConflictWindow = Duration(d)
		}
	}
	if v := os.Getenv("DEBOUNCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.DebounceInterval = Duration(d)
		}
	}
	if v := os.Getenv("BATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.BatchTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.MaxRetries = n
		}
	}
}

// Validate checks structural constraints via validator tags plus the
// duration bounds tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sync.ConflictWindow <= 0 {
		return fmt.Errorf("invalid configuration: conflict_window must be positive")
	}
	if c.Sync.DebounceInterval < 0 {
		return fmt.Errorf("invalid configuration: debounce_interval must not be negative")
	}
	if c.Sync.BatchTimeout <= 0 {
		return fmt.Errorf("invalid configuration: batch_timeout must be positive")
	}
	if c.Storage.Backend == "dynamodb" && c.Storage.TableName == "" {
		return fmt.Errorf("invalid configuration: dynamodb backend requires table_name")
	}
	return nil
}
