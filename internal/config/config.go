// Package config provides centralized configuration management for
// CloudArb. It supports loading from YAML files and environment
// variables, following the same pattern as the tool this module was
// built from.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Every field here
// corresponds to a recognized option in the external interfaces table;
// unknown YAML keys are rejected by strict decoding in loadConfigFile.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Solver     SolverConfig     `yaml:"solver"`
	Arbitrage  ArbitrageConfig  `yaml:"arbitrage"`
	Logging    LoggingConfig    `yaml:"logging"`
	AWS        AWSConfig        `yaml:"aws"`
	GCP        GCPConfig        `yaml:"gcp"`
	Azure      AzureConfig      `yaml:"azure"`
	LambdaLabs LambdaLabsConfig `yaml:"lambdalabs"`
	RunPod     RunPodConfig     `yaml:"runpod"`
}

// ServerConfig holds the thin HTTP API server's settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AggregatorConfig holds the Pricing Aggregator's cadence settings
// (spec §6: cycle-interval, cycle-deadline, staleness-ceiling).
type AggregatorConfig struct {
	CycleInterval        time.Duration            `yaml:"cycle_interval"`
	CycleDeadline        time.Duration            `yaml:"cycle_deadline"`
	StalenessCeiling      time.Duration           `yaml:"staleness_ceiling"`
	PerProviderCeilings  map[string]time.Duration `yaml:"per_provider_staleness_ceilings"`
	SubscriberBufferSize int                      `yaml:"subscriber_buffer_size"`
}

// AdapterConfig holds the default per-adapter I/O discipline (spec §6:
// adapter.rate-limit, adapter.backoff). The adapters do not read this
// section: each uses its own provider section's RateLimitQPS and
// provider.DefaultRetryPolicy, whose values equal these defaults.
type AdapterConfig struct {
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	MaxRetries     int           `yaml:"max_retries"`
}

// SolverConfig holds the Optimization Engine's solve discipline (spec §6:
// solver-deadline, solver-gap, solver-pool-size).
type SolverConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	TargetGap       float64       `yaml:"target_gap"`
	PoolSize        int           `yaml:"pool_size"`
	BalancedLambda  float64       `yaml:"balanced_lambda"`
}

// ArbitrageConfig holds the Arbitrage Detector's tuning (spec §6:
// arbitrage-threshold, arbitrage-cooldown, region-classes).
type ArbitrageConfig struct {
	Threshold      float64                  `yaml:"threshold"`
	Cooldown       time.Duration            `yaml:"cooldown"`
	RegionClasses  map[string]string        `yaml:"region_classes"`
	BroadcastDepth int                      `yaml:"broadcast_depth"`
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	EnableFile  bool   `yaml:"enable_file"`
	EnableJSON  bool   `yaml:"enable_json"`
	EnableColor bool   `yaml:"enable_color"`
	LogDir      string `yaml:"log_dir"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// AWSConfig holds AWS provider credentials/endpoints.
type AWSConfig struct {
	Region         string        `yaml:"region"`
	PricingURL     string        `yaml:"pricing_url"`
	SecretsARN     string        `yaml:"secrets_arn"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`
}

// GCPConfig holds GCP provider credentials/endpoints.
type GCPConfig struct {
	ProjectID      string        `yaml:"project_id"`
	BillingAccount string        `yaml:"billing_account"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`
}

// AzureConfig holds Azure provider credentials/endpoints.
type AzureConfig struct {
	SubscriptionID string        `yaml:"subscription_id"`
	RetailPricesURL string       `yaml:"retail_prices_url"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`
}

// LambdaLabsConfig holds Lambda Labs provider settings.
type LambdaLabsConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	RateLimitQPS float64       `yaml:"rate_limit_qps"`
}

// RunPodConfig holds RunPod provider settings.
type RunPodConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	RateLimitQPS float64       `yaml:"rate_limit_qps"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DefaultConfig returns the default configuration with every spec §6
// option set to its documented default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Aggregator: AggregatorConfig{
			CycleInterval:        60 * time.Second,
			CycleDeadline:        5 * time.Second,
			StalenessCeiling:     10 * time.Minute,
			SubscriberBufferSize: 4,
		},
		Adapter: AdapterConfig{
			RateLimitQPS:   5,
			BackoffBase:    250 * time.Millisecond,
			BackoffCeiling: 10 * time.Second,
			MaxRetries:     5,
		},
		Solver: SolverConfig{
			DefaultDeadline: 30 * time.Second,
			TargetGap:       0.001,
			PoolSize:        4,
			BalancedLambda:  0.5,
		},
		Arbitrage: ArbitrageConfig{
			Threshold:      0.05,
			Cooldown:       5 * time.Minute,
			BroadcastDepth: 64,
		},
		Logging: LoggingConfig{
			Level:       "info",
			EnableFile:  true,
			EnableJSON:  true,
			EnableColor: true,
			LogDir:      "logs",
			MaxSizeMB:   100,
			MaxBackups:  3,
			MaxAgeDays:  7,
			Compress:    true,
		},
		AWS: AWSConfig{
			Region:       "us-east-1",
			PricingURL:   "https://pricing.us-east-1.amazonaws.com",
			HTTPTimeout:  30 * time.Second,
			RateLimitQPS: 5,
		},
		GCP: GCPConfig{
			HTTPTimeout:  30 * time.Second,
			RateLimitQPS: 5,
		},
		Azure: AzureConfig{
			RetailPricesURL: "https://prices.azure.com/api/retail/prices",
			HTTPTimeout:     30 * time.Second,
			RateLimitQPS:    5,
		},
		LambdaLabs: LambdaLabsConfig{
			BaseURL:      "https://cloud.lambdalabs.com/api/v1",
			HTTPTimeout:  15 * time.Second,
			RateLimitQPS: 5,
		},
		RunPod: RunPodConfig{
			BaseURL:      "https://api.runpod.io/graphql",
			HTTPTimeout:  15 * time.Second,
			RateLimitQPS: 5,
		},
	}
}

// Get returns the global configuration (singleton).
func Get() *Config {
	configOnce.Do(func() {
		globalConfig = DefaultConfig()
		loadConfigFile()
		loadEnvOverrides()
	})
	return globalConfig
}

// Reload reloads the configuration from file and environment.
func Reload() error {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = DefaultConfig()
	loadConfigFile()
	loadEnvOverrides()
	return nil
}

// loadConfigFile loads configuration from cloudarb.yaml, trying a few
// conventional locations. Unknown keys are rejected via strict decoding
// so typos in operator config surface immediately instead of being
// silently ignored.
func loadConfigFile() {
	paths := []string{
		"cloudarb.yaml",
		"cloudarb.yml",
		filepath.Join(getExecutableDir(), "cloudarb.yaml"),
		filepath.Join(getExecutableDir(), "cloudarb.yml"),
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(globalConfig); err != nil {
			fmt.Fprintf(os.Stderr, "cloudarb: ignoring %s: %v\n", path, err)
			continue
		}
		return
	}
}

// loadEnvOverrides applies environment variable overrides.
func loadEnvOverrides() {
	if port := os.Getenv("CLOUDARB_PORT"); port != "" {
		if d, err := time.ParseDuration(port + "s"); err == nil {
			globalConfig.Server.Port = int(d.Seconds())
		}
	}
	if interval := os.Getenv("CLOUDARB_CYCLE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			globalConfig.Aggregator.CycleInterval = d
		}
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		globalConfig.AWS.Region = region
	}
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" {
		globalConfig.GCP.ProjectID = project
	}
	if key := os.Getenv("LAMBDALABS_API_KEY"); key != "" {
		globalConfig.LambdaLabs.APIKey = key
	}
	if key := os.Getenv("RUNPOD_API_KEY"); key != "" {
		globalConfig.RunPod.APIKey = key
	}

	// Lambda detection — adjust settings for a Lambda-hosted single-cycle run.
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		globalConfig.Logging.EnableFile = false
		globalConfig.Logging.EnableColor = false
	}
}

// getExecutableDir returns the directory containing the executable.
func getExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// IsLambda returns true if running in AWS Lambda.
func IsLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
