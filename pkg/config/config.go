package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/skyfield-eo/granulepush/internal/backoff"
	"github.com/skyfield-eo/granulepush/internal/ratelimit"

	"gopkg.in/yaml.v3"
)

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type RateLimitConfig struct {
	Events ratelimit.Bucket `yaml:"events"`
}

type Config struct {
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	StorageRoot    string `yaml:"storageRoot"`
	FailureChannel string `yaml:"failureChannel"`
	IngestChannel  string `yaml:"ingestChannel"`
	ArrayIndexEnv  string `yaml:"arrayIndexEnv"`

	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Env       string `yaml:"env"`

	ReleaseRetryAttempts      int    `yaml:"releaseRetryAttempts"`
	ReleaseBackoffPolicy      string `yaml:"releaseBackoffPolicy"`
	ReleaseBackoffBaseSeconds int    `yaml:"releaseBackoffBaseSeconds"`
	ReleaseBackoffMaxSeconds  int    `yaml:"releaseBackoffMaxSeconds"`
	TombstoneTTLHours         int    `yaml:"tombstoneTTLHours"`

	PushgatewayURL string `yaml:"pushgatewayUrl"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LoadConfigOptional behaves like LoadConfig but treats an empty path as
// "defaults plus environment".
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		var c Config
		c.applyEnv()
		c.applyDefaults()
		return &c, nil
	}
	return LoadConfig(filePath)
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("FAILURE_CHANNEL"); v != "" {
		c.FailureChannel = v
	}
	if v := os.Getenv("INGEST_CHANNEL"); v != "" {
		c.IngestChannel = v
	}
	if v := os.Getenv("ARRAY_INDEX_ENV"); v != "" {
		c.ArrayIndexEnv = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		c.PushgatewayURL = v
	}
	if v := os.Getenv("RELEASE_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReleaseRetryAttempts = n
		}
	}
	if v := os.Getenv("RELEASE_BACKOFF_POLICY"); v != "" {
		c.ReleaseBackoffPolicy = v
	}
	if v := os.Getenv("RELEASE_BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReleaseBackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("RELEASE_BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReleaseBackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("TOMBSTONE_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TombstoneTTLHours = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.StorageRoot == "" {
		c.StorageRoot = "/var/lib/granulepush/store"
	}
	if c.FailureChannel == "" {
		c.FailureChannel = "granulepush:events:failures"
	}
	if c.IngestChannel == "" {
		c.IngestChannel = "granulepush:events:ingest"
	}
	if c.ArrayIndexEnv == "" {
		c.ArrayIndexEnv = "AWS_BATCH_JOB_ARRAY_INDEX"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.ReleaseRetryAttempts <= 0 {
		c.ReleaseRetryAttempts = 3
	}
	if c.ReleaseBackoffPolicy == "" {
		c.ReleaseBackoffPolicy = backoff.PolicyExpFullJitter
	}
	if c.ReleaseBackoffBaseSeconds <= 0 {
		c.ReleaseBackoffBaseSeconds = 1
	}
	if c.ReleaseBackoffMaxSeconds <= 0 {
		c.ReleaseBackoffMaxSeconds = 30
	}
	if c.TombstoneTTLHours <= 0 {
		c.TombstoneTTLHours = 168
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

func (c *Config) Validate() error {
	var errs []string
	switch c.ReleaseBackoffPolicy {
	case backoff.PolicyFixed, backoff.PolicyLinear, backoff.PolicyExponential,
		backoff.PolicyExpEqualJit, backoff.PolicyExpFullJitter:
	default:
		errs = append(errs, fmt.Sprintf("unknown releaseBackoffPolicy %q", c.ReleaseBackoffPolicy))
	}
	if c.ReleaseBackoffMaxSeconds < c.ReleaseBackoffBaseSeconds {
		errs = append(errs, "releaseBackoffMaxSeconds must be >= releaseBackoffBaseSeconds")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Sprintf("unknown logFormat %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
