// Package config provides configuration for the workflow orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort        int           `yaml:"http_port"`
	RPCPort         int           `yaml:"rpc_port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"-"`

	// Store
	StoreDriver   string `yaml:"store_driver"`
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_key_prefix"`

	// Execution
	AgentTimeout    time.Duration     `yaml:"-"`
	MaxAgentTimeout time.Duration     `yaml:"-"`
	DefaultUnits    map[string]string `yaml:"default_units"`
	CogEndpoint     string            `yaml:"cog_endpoint"`
	CogNames        []string          `yaml:"cog_names"`
	SweepInterval   time.Duration     `yaml:"-"`

	// Streaming
	StreamPollInterval time.Duration `yaml:"-"`
	StreamIdleTimeout  time.Duration `yaml:"-"`

	// Submission limits
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultUnits maps each workflow kind to the unit used when none is named.
func DefaultUnits() map[string]string {
	return map[string]string{
		"execution":   "default_execution_cog",
		"maintenance": "default_maintenance_cog",
		"analysis":    "default_analysis_cog",
	}
}

// Load loads configuration from environment variables, then overlays the
// YAML file named by CONFIG_FILE when present.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		RPCPort:            getEnvInt("RPC_PORT", 8081),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT_MS", 10000),
		StoreDriver:        getEnv("STORE_DRIVER", StoreDriverSQLite),
		DatabaseURL:        getEnv("DATABASE_URL", "file:agentrun.db?cache=shared&mode=rwc"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisPrefix:        getEnv("REDIS_KEY_PREFIX", "agentrun:"),
		AgentTimeout:       getEnvDuration("AGENT_TIMEOUT_MS", 300000),
		MaxAgentTimeout:    getEnvDuration("MAX_AGENT_TIMEOUT_MS", 3600000),
		DefaultUnits:       DefaultUnits(),
		CogEndpoint:        getEnv("COG_ENDPOINT", ""),
		CogNames:           getEnvList("COG_NAMES", nil),
		SweepInterval:      getEnvDuration("ORPHAN_SWEEP_INTERVAL_MS", 30000),
		StreamPollInterval: getEnvDuration("STREAM_POLL_INTERVAL_MS", 2000),
		StreamIdleTimeout:  getEnvDuration("STREAM_IDLE_TIMEOUT_MS", 30000),
		SubmitRatePerSec:   getEnvFloat("SUBMIT_RATE_PER_SEC", 5),
		SubmitBurst:        getEnvInt("SUBMIT_BURST", 10),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays settings from a YAML file. Keys absent from the file keep
// their current values; default_units entries are merged per kind.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.overlay(data)
}

func (c *Config) overlay(data []byte) error {
	defaults := c.DefaultUnits
	c.DefaultUnits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.DefaultUnits = defaults
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	merged := make(map[string]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range c.DefaultUnits {
		merged[strings.ToLower(k)] = v
	}
	c.DefaultUnits = merged
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverSQLite, StoreDriverRedis:
	default:
		return fmt.Errorf("unsupported store driver %q", c.StoreDriver)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent timeout must be positive")
	}
	if c.MaxAgentTimeout < c.AgentTimeout {
		return fmt.Errorf("max agent timeout %s is below the default %s", c.MaxAgentTimeout, c.AgentTimeout)
	}
	if c.StreamPollInterval <= 0 {
		return fmt.Errorf("stream poll interval must be positive")
	}
	if c.StreamIdleTimeout < c.StreamPollInterval {
		return fmt.Errorf("stream idle timeout must not be shorter than the poll interval")
	}
	if c.SubmitRatePerSec < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("submit rate limits must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
