package dispatcher

import (
	"processagent/internal/config"
	"processagent/pkg/backoff"
	"time"
)

const (
	defaultBufferSize       = 1000
	defaultWorkers          = 4
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxAttempts      = 4
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultUserAgent        = "process-agent"
)

// MemoryConfig configures the in-memory dispatcher. Zero values use defaults.
type MemoryConfig struct {
	BufferSize       int
	Workers          int
	HTTPTimeout      time.Duration
	MaxAttempts      int // delivery attempts per event, first one included
	Backoff          backoff.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MaxRequeues      int // times an event waits for an open breaker before being dropped
	UserAgent        string
}

// LoadConfigFromEnv reads the dispatcher configuration from PA_WEBHOOK_* variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("PA_WEBHOOK_BUFFER_SIZE", defaultBufferSize),
		Workers:          config.GetIntEnv("PA_WEBHOOK_WORKERS", defaultWorkers),
		HTTPTimeout:      config.GetDurationEnv("PA_WEBHOOK_TIMEOUT", defaultHTTPTimeout),
		MaxAttempts:      config.GetIntEnv("PA_WEBHOOK_MAX_ATTEMPTS", defaultMaxAttempts),
		BreakerThreshold: config.GetIntEnv("PA_WEBHOOK_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("PA_WEBHOOK_BREAKER_COOLDOWN", defaultBreakerCooldown),
		Backoff: backoff.Policy{
			Initial: config.GetDurationEnv("PA_WEBHOOK_BACKOFF_INITIAL", 200*time.Millisecond),
			Max:     config.GetDurationEnv("PA_WEBHOOK_BACKOFF_MAX", 5*time.Second),
			Jitter:  0.2,
		},
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}
