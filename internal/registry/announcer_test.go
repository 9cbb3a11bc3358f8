package registry

import (
	"context"
	"encoding/json"
	"errors"
	"processagent/internal/testutil"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeEtcd struct {
	mu      sync.Mutex
	puts    map[string]string
	revoked []clientv3.LeaseID
	putErr  error
	alive   chan *clientv3.LeaseKeepAliveResponse
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		puts:   make(map[string]string),
		alive:  make(chan *clientv3.LeaseKeepAliveResponse),
	}
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	return &clientv3.LeaseGrantResponse{ID: 42, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(context.Context, clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	return f.alive, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.puts[key]
	return v, ok
}

func TestAnnouncer_Announce(t *testing.T) {
	t.Parallel()
	reg := New()
	require.NoError(t, reg.Add(newAgent("a")))
	require.NoError(t, reg.Add(newAgent("b")))
	etcd := newFakeEtcd()
	ann := NewAnnouncer(etcd, reg, AnnouncerConfig{KeyPrefix: "/test/agents/"})

	require.NoError(t, ann.Announce(context.Background(), 7))

	raw, ok := etcd.get("/test/agents/a")
	require.True(t, ok)
	var got Announcement
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "a", got.ID)
	assert.False(t, got.Health.IsReady)
	assert.False(t, got.UpdatedAt.IsZero())

	_, ok = etcd.get("/test/agents/b")
	assert.True(t, ok)
}

func TestAnnouncer_AnnounceError(t *testing.T) {
	t.Parallel()
	reg := New()
	require.NoError(t, reg.Add(newAgent("a")))
	etcd := newFakeEtcd()
	etcd.putErr = errors.New("etcdserver: no leader")

	err := NewAnnouncer(etcd, reg, AnnouncerConfig{}).Announce(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), defaultKeyPrefix+"a")
}

func TestAnnouncer_RunRevokesLease(t *testing.T) {
	t.Parallel()
	reg := New()
	require.NoError(t, reg.Add(newAgent("a")))
	etcd := newFakeEtcd()
	ann := NewAnnouncer(etcd, reg, AnnouncerConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ann.Run(ctx) }()

	testutil.MustWaitFor(t, func() bool {
		_, ok := etcd.get(ann.Key("a"))
		return ok
	}, testutil.WithTimeout(5*time.Second))
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("announcer did not stop")
	}
	etcd.mu.Lock()
	defer etcd.mu.Unlock()
	assert.Equal(t, []clientv3.LeaseID{42}, etcd.revoked)
}

func TestAnnouncer_LeaseLost(t *testing.T) {
	t.Parallel()
	etcd := newFakeEtcd()
	close(etcd.alive)
	ann := NewAnnouncer(etcd, New(), AnnouncerConfig{})

	err := ann.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAnnouncerConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg := AnnouncerConfig{}.withDefaults()
	assert.False(t, cfg.Enabled())
	assert.Equal(t, defaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, int64(defaultLeaseTTLSeconds), cfg.LeaseTTL)
	assert.Equal(t, defaultAnnounceInterval, cfg.Interval)
}
