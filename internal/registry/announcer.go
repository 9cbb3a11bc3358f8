package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"processagent/internal/agent"
	"processagent/internal/config"
	"processagent/internal/store"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultKeyPrefix        = "/processagent/agents/"
	defaultLeaseTTLSeconds  = 15
	defaultAnnounceInterval = 5 * time.Second
	defaultDialTimeout      = 5 * time.Second
)

// AnnouncerConfig configures the etcd announcer. Announcing is disabled when
// Endpoints is empty.
type AnnouncerConfig struct {
	Endpoints   []string
	KeyPrefix   string
	LeaseTTL    int64 // seconds
	Interval    time.Duration
	DialTimeout time.Duration
}

// LoadAnnouncerConfigFromEnv reads PA_ETCD_* variables.
func LoadAnnouncerConfigFromEnv() AnnouncerConfig {
	cfg := AnnouncerConfig{
		Endpoints: config.GetListEnv("PA_ETCD_ENDPOINTS"),
		KeyPrefix: config.GetEnv("PA_ETCD_PREFIX", defaultKeyPrefix),
		LeaseTTL:  int64(config.GetIntEnv("PA_ETCD_LEASE_TTL", defaultLeaseTTLSeconds)),
		Interval:  config.GetDurationEnv("PA_ETCD_INTERVAL", defaultAnnounceInterval),
	}
	return cfg.withDefaults()
}

// Enabled reports whether an etcd endpoint is configured.
func (c AnnouncerConfig) Enabled() bool {
	return len(c.Endpoints) > 0
}

func (c AnnouncerConfig) withDefaults() AnnouncerConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTLSeconds
	}
	if c.Interval <= 0 {
		c.Interval = defaultAnnounceInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// EtcdClient is the subset of *clientv3.Client the announcer uses.
type EtcdClient interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

// NewEtcdClient connects to the configured endpoints.
func NewEtcdClient(cfg AnnouncerConfig) (*clientv3.Client, error) {
	cfg = cfg.withDefaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return cli, nil
}

// Announcement is the value published for each agent.
type Announcement struct {
	ID        string       `json:"id"`
	Health    agent.Health `json:"health"`
	Finished  bool         `json:"finished"`
	Counts    store.Counts `json:"counts"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Announcer publishes the health of every registered agent under a lease, so
// entries disappear when the process dies.
type Announcer struct {
	client   EtcdClient
	registry *Registry
	cfg      AnnouncerConfig
	logger   *slog.Logger
}

// NewAnnouncer creates an announcer for reg.
func NewAnnouncer(client EtcdClient, reg *Registry, cfg AnnouncerConfig) *Announcer {
	return &Announcer{
		client:   client,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "announcer"),
	}
}

// Key returns the etcd key of an agent.
func (a *Announcer) Key(agentID string) string {
	return a.cfg.KeyPrefix + agentID
}

// Run announces every Interval until ctx is done, then revokes the lease.
func (a *Announcer) Run(ctx context.Context) error {
	lease, err := a.client.Grant(ctx, a.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	keepAlive, err := a.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	defer a.revoke(lease.ID)

	a.logger.Info("Announcing agents", "prefix", a.cfg.KeyPrefix, "lease", lease.ID, "ttl", a.cfg.LeaseTTL)

	if err := a.Announce(ctx, lease.ID); err != nil {
		a.logger.Warn("Announce failed", "error", err)
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-keepAlive:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("lease %x expired", lease.ID)
			}
		case <-ticker.C:
			if err := a.Announce(ctx, lease.ID); err != nil {
				a.logger.Warn("Announce failed", "error", err)
			}
		}
	}
}

// Announce publishes the current state of every agent under lease.
func (a *Announcer) Announce(ctx context.Context, lease clientv3.LeaseID) error {
	now := time.Now().UTC()
	for _, ag := range a.registry.All() {
		body, err := json.Marshal(Announcement{
			ID:        ag.ID(),
			Health:    ag.Health(),
			Finished:  ag.IsFinished(),
			Counts:    ag.Store().Counts(),
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal announcement: %w", err)
		}
		if _, err := a.client.Put(ctx, a.Key(ag.ID()), string(body), clientv3.WithLease(lease)); err != nil {
			return fmt.Errorf("put %s: %w", a.Key(ag.ID()), err)
		}
	}
	return nil
}

func (a *Announcer) revoke(lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
	defer cancel()
	if _, err := a.client.Revoke(ctx, lease); err != nil {
		a.logger.Warn("Lease revoke failed", "lease", lease, "error", err)
	}
}
