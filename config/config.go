// Package config loads and validates the engine configuration.
//
// Precedence mirrors the classic client: the CB_CONFIG environment
// variable may carry the whole configuration inline as JSON; otherwise
// the file named by PYWREN_CONFIG_FILE is read, then ./.pywren_config,
// then ~/.pywren_config (YAML).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/cloudbutton/gowren/pkg/logger"
)

// Defaults applied to the pywren section when keys are absent.
const (
	ComputeBackendDefault = "ibm_cf"
	StorageBackendDefault = "ibm_cos"
	StoragePrefixDefault  = "pywren.jobs"

	RetriesDefault            = 5
	StatusPollIntervalDefault = 100 // milliseconds
	InvokePoolSizeDefault     = 500
)

// RetrySleepsDefault is the per-attempt sleep schedule, in seconds,
// used by the compute handler when invocation_retry is enabled.
var RetrySleepsDefault = []int{1, 2, 4, 8}

// Pywren holds the main engine section of the configuration.
type Pywren struct {
	StorageBackend  string `mapstructure:"storage_backend"`
	StoragePrefix   string `mapstructure:"storage_prefix"`
	StorageBucket   string `mapstructure:"storage_bucket"`
	DataCleaner     bool   `mapstructure:"data_cleaner"`
	InvocationRetry bool   `mapstructure:"invocation_retry"`
	RetrySleeps     []int  `mapstructure:"retry_sleeps"`
	Retries         int    `mapstructure:"retries"`
	ComputeBackend  string `mapstructure:"compute_backend"`
	Workers         int    `mapstructure:"workers"`
	Runtime         string `mapstructure:"runtime"`
	RuntimeMemory   int    `mapstructure:"runtime_memory"`
	RuntimeTimeout  int    `mapstructure:"runtime_timeout"`
	RabbitMQMonitor bool   `mapstructure:"rabbitmq_monitor"`

	// compute_backend_region may be a single region or a list; use
	// Config.Regions to read it normalized.
	ComputeBackendRegion interface{} `mapstructure:"compute_backend_region"`

	StatusPollIntervalMS int `mapstructure:"status_poll_interval_ms"`
	MonitoringPort       int `mapstructure:"monitoring_port"`
	InvokePoolSize       int `mapstructure:"invoke_pool_size"`
}

// RabbitMQ configures the broker-based completion watcher.
type RabbitMQ struct {
	AMQPURL string `mapstructure:"amqp_url"`
}

// IBMCF configures the IBM Cloud Functions compute backend.
type IBMCF struct {
	Endpoint  string `mapstructure:"endpoint"`
	Namespace string `mapstructure:"namespace"`
	APIKey    string `mapstructure:"api_key"`
	Region    string `mapstructure:"region"`
}

// IBMCOS configures the IBM Cloud Object Storage backend.
type IBMCOS struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Config is the full validated configuration.
type Config struct {
	Pywren   Pywren   `mapstructure:"pywren"`
	RabbitMQ RabbitMQ `mapstructure:"rabbitmq"`
	IBMCF    IBMCF    `mapstructure:"ibm_cf"`
	IBMCOS   IBMCOS   `mapstructure:"ibm_cos"`

	raw map[string]interface{}
}

// Raw returns the merged settings map. It is embedded verbatim in the
// invocation payload's config field so the remote side sees the exact
// configuration this client ran with.
func (c *Config) Raw() map[string]interface{} {
	return c.raw
}

// Regions returns compute_backend_region normalized to a slice. Empty
// when no region override is configured.
func (c *Config) Regions() []string {
	switch r := c.Pywren.ComputeBackendRegion.(type) {
	case nil:
		return nil
	case string:
		if r == "" {
			return nil
		}
		return []string{r}
	case []string:
		return r
	case []interface{}:
		out := make([]string, 0, len(r))
		for _, e := range r {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Default loads the configuration using the standard precedence chain.
func Default() (*Config, error) {
	if inline := os.Getenv("CB_CONFIG"); inline != "" {
		v := newViper()
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(inline)); err != nil {
			return nil, fmt.Errorf("failed to parse CB_CONFIG: %w", err)
		}
		return finish(v, "CB_CONFIG")
	}

	filename, err := configFilename()
	if err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return finish(v, filename)
}

// FromMap builds a configuration from an in-memory settings map,
// applying the same defaults and validation as Default.
func FromMap(data map[string]interface{}) (*Config, error) {
	v := newViper()
	if err := v.MergeConfigMap(data); err != nil {
		return nil, fmt.Errorf("failed to merge config map: %w", err)
	}
	return finish(v, "inline map")
}

func configFilename() (string, error) {
	if f := os.Getenv("PYWREN_CONFIG_FILE"); f != "" {
		return f, nil
	}
	if _, err := os.Stat(".pywren_config"); err == nil {
		return filepath.Abs(".pywren_config")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not locate a configuration file: %w", err)
	}
	return filepath.Join(home, ".pywren_config"), nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("pywren.storage_backend", StorageBackendDefault)
	v.SetDefault("pywren.storage_prefix", StoragePrefixDefault)
	v.SetDefault("pywren.data_cleaner", false)
	v.SetDefault("pywren.invocation_retry", true)
	v.SetDefault("pywren.retry_sleeps", RetrySleepsDefault)
	v.SetDefault("pywren.retries", RetriesDefault)
	v.SetDefault("pywren.compute_backend", ComputeBackendDefault)
	v.SetDefault("pywren.rabbitmq_monitor", false)
	v.SetDefault("pywren.status_poll_interval_ms", StatusPollIntervalDefault)
	v.SetDefault("pywren.monitoring_port", 0)
	v.SetDefault("pywren.invoke_pool_size", InvokePoolSizeDefault)

	return v
}

func finish(v *viper.Viper, source string) (*Config, error) {
	if !v.IsSet("pywren") {
		return nil, fmt.Errorf("pywren section is mandatory in the configuration (%s)", source)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.raw = v.AllSettings()

	if cfg.Pywren.Workers <= 0 {
		return nil, fmt.Errorf("pywren.workers is required and must be positive")
	}
	if cfg.Pywren.Runtime == "" {
		return nil, fmt.Errorf("pywren.runtime is required")
	}
	if cfg.Pywren.RuntimeMemory <= 0 {
		return nil, fmt.Errorf("pywren.runtime_memory is required and must be positive")
	}
	if cfg.Pywren.RuntimeTimeout <= 0 {
		return nil, fmt.Errorf("pywren.runtime_timeout is required and must be positive")
	}
	if cfg.Pywren.RabbitMQMonitor && cfg.RabbitMQ.AMQPURL == "" {
		return nil, fmt.Errorf("rabbitmq.amqp_url is required when rabbitmq_monitor is enabled")
	}

	if cfg.Pywren.Retries <= 0 {
		logger.Warn("retries <= 0 (%d), defaulting to %d", cfg.Pywren.Retries, RetriesDefault)
		cfg.Pywren.Retries = RetriesDefault
	}
	if len(cfg.Pywren.RetrySleeps) == 0 {
		cfg.Pywren.RetrySleeps = RetrySleepsDefault
	}
	if cfg.Pywren.StatusPollIntervalMS <= 0 {
		cfg.Pywren.StatusPollIntervalMS = StatusPollIntervalDefault
	}
	if cfg.Pywren.InvokePoolSize <= 0 {
		cfg.Pywren.InvokePoolSize = InvokePoolSizeDefault
	}

	logger.Info("Configuration loaded successfully from %s", source)
	logger.Debug("  compute_backend: %s", cfg.Pywren.ComputeBackend)
	logger.Debug("  storage_backend: %s", cfg.Pywren.StorageBackend)
	logger.Debug("  workers: %d", cfg.Pywren.Workers)
	logger.Debug("  runtime: %s (%dMB, timeout %ds)",
		cfg.Pywren.Runtime, cfg.Pywren.RuntimeMemory, cfg.Pywren.RuntimeTimeout)
	logger.Debug("  rabbitmq_monitor: %v", cfg.Pywren.RabbitMQMonitor)

	return &cfg, nil
}
