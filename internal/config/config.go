// Package config provides configuration loading from environment variables
// and JSON/YAML files.
package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Scheduler drivers understood by the process-agent binary.
const (
	DriverOrk    = "ork"
	DriverDocker = "docker"
)

// AgentConfig configures one agent and the job store it owns.
type AgentConfig struct {
	ID            string `yaml:"id"`
	User          string `yaml:"user"`
	JobNamePrefix string `yaml:"jobNamePrefix"`
	AutoRerun     bool   `yaml:"autoRerun"`
	MaxRunning    int    `yaml:"maxRunning"`  // in-flight jobs cap, <=0 disables it
	SubmitBatch   int    `yaml:"submitBatch"` // specs handed out per poll
	JobsFile      string `yaml:"jobsFile"`    // specs served by the built-in static usercode
	MaxRetries    int    `yaml:"maxRetries"`  // reruns of a failed job by the static usercode
}

// ServerConfig configures the HTTP side of the process-agent binary.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metricsPort"`
	APIKey            string        `yaml:"-"`
	KeepAlive         bool          `yaml:"keepAlive"`
	Driver            string        `yaml:"driver"`
	ShutdownDrainWait time.Duration `yaml:"shutdownDrainWait"`
	UpdateTimeout     time.Duration `yaml:"updateTimeout"` // how long PUT /v1/jobs waits for usercode
}

// WebhookConfig configures CloudEvent notifications of job changes.
type WebhookConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"-"`
}

// Config is the full configuration of the process-agent binary.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Agent   AgentConfig   `yaml:"agent"`
	Server  ServerConfig  `yaml:"server"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// Load reads the configuration from environment variables and, when
// PA_CONFIG_FILE (or path) is set, overlays the given JSON/YAML file.
func Load(path string) (*Config, error) {
	cfg := LoadFromEnv()
	if path == "" {
		path = GetEnv("PA_CONFIG_FILE", "")
	}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv loads the configuration from environment variables only.
func LoadFromEnv() *Config {
	cfg := &Config{
		Debug: GetBoolEnv("PA_DEBUG", false),
		Agent: AgentConfig{
			ID:            GetEnv("PA_AGENT_ID", os.Getenv("EAI_JOB_ID")),
			User:          GetEnv("PA_USER", os.Getenv("USER")),
			JobNamePrefix: GetEnv("PA_JOB_NAME_PREFIX", "pa"),
			AutoRerun:     GetBoolEnv("PA_AUTO_RERUN", true),
			MaxRunning:    GetIntEnv("PA_MAX_RUNNING", 500),
			SubmitBatch:   GetIntEnv("PA_SUBMIT_BATCH", 100),
			JobsFile:      GetEnv("PA_JOBS_FILE", ""),
			MaxRetries:    GetIntEnv("PA_MAX_RETRIES", 0),
		},
		Server: ServerConfig{
			Host:              GetEnv("PA_API_HOST", "0.0.0.0"),
			Port:              GetEnv("PA_API_PORT", "8666"),
			MetricsPort:       GetEnv("PA_METRICS_PORT", "9090"),
			APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
			KeepAlive:         GetBoolEnv("PA_KEEP_ALIVE", false),
			Driver:            GetEnv("PA_DRIVER", DriverOrk),
			ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
			UpdateTimeout:     GetDurationEnv("PA_UPDATE_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			URL: GetEnv("PA_WEBHOOK_URL", ""),
			Key: GetSecretFile(GetEnv("PA_WEBHOOK_KEY_FILE", "")),
		},
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agent.ID == "" {
		c.Agent.ID = uuid.NewString()
	}
	if c.Agent.User == "" {
		c.Agent.User = "unknown"
	}
	if c.Agent.JobNamePrefix == "" {
		c.Agent.JobNamePrefix = "pa"
	}
	if c.Agent.SubmitBatch <= 0 {
		c.Agent.SubmitBatch = 100
	}
	if c.Server.Port == "" {
		c.Server.Port = "8666"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Server.Driver == "" {
		c.Server.Driver = DriverOrk
	}
	if c.Server.UpdateTimeout <= 0 {
		c.Server.UpdateTimeout = 30 * time.Second
	}
}
