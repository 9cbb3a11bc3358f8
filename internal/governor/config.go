package governor

import (
	"processagent/internal/config"
	"time"
)

const (
	defaultPollInterval = time.Second
	defaultMaxParallel  = 8
	defaultStopTimeout  = 10 * time.Second
	defaultLogTailLines = 50
	defaultUser         = "governor"
)

// Config holds configuration for the governor loop. Zero values use defaults.
type Config struct {
	PollInterval   time.Duration // How often the agent API is polled
	MaxParallel    int           // Containers running at once
	StopTimeout    time.Duration // Grace period before a killed container is forced down
	LogTailLines   int           // Lines of output kept from a finished container
	KeepContainers bool          // Leave finished containers in place for inspection
	User           string        // Reported as createdBy on the records
}

// DockerConfig holds configuration for the docker runtime.
type DockerConfig struct {
	Network    string   // Network joined by job containers (default bridge)
	ExtraHosts []string // Extra hosts for containers (e.g., ["registry.test:host-gateway"])
}

// LoadConfigFromEnv loads governor configuration from PA_GOVERNOR_* variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PollInterval:   config.GetDurationEnv("PA_GOVERNOR_POLL_INTERVAL", defaultPollInterval),
		MaxParallel:    config.GetIntEnv("PA_GOVERNOR_MAX_PARALLEL", defaultMaxParallel),
		StopTimeout:    config.GetDurationEnv("PA_GOVERNOR_STOP_TIMEOUT", defaultStopTimeout),
		LogTailLines:   config.GetIntEnv("PA_GOVERNOR_LOG_TAIL", defaultLogTailLines),
		KeepContainers: config.GetBoolEnv("PA_GOVERNOR_KEEP_CONTAINERS", false),
		User:           config.GetEnv("PA_GOVERNOR_USER", defaultUser),
	}
	return cfg.withDefaults()
}

// LoadDockerConfigFromEnv loads docker runtime configuration from environment variables.
func LoadDockerConfigFromEnv() DockerConfig {
	return DockerConfig{
		Network:    config.GetEnv("PA_GOVERNOR_NETWORK", ""),
		ExtraHosts: config.GetListEnv("PA_GOVERNOR_EXTRA_HOSTS"),
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.LogTailLines <= 0 {
		c.LogTailLines = defaultLogTailLines
	}
	if c.User == "" {
		c.User = defaultUser
	}
	return c
}
