// Package etcd provides leader election for the global manager and a mirror
// of the cluster state in etcd.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sapcc/go-bits/jobloop"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

const (
	sessionTTL     = 15 // seconds
	campaignRetry  = 5 * time.Second
	requestTimeout = 5 * time.Second
)

// Client wraps an etcd client.
type Client struct {
	client *clientv3.Client
	cfg    config.EtcdConfig
	logger *zap.Logger
}

// NewClient connects to etcd.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))
	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := c.client.Status(ctx, c.client.Endpoints()[0]); err != nil {
		return domain.Transient("etcd status", err)
	}
	return nil
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader tracks this instance's leadership. The zero value is a follower.
type Leader struct {
	client *Client
	id     string
	leader atomic.Bool
}

// Campaign starts campaigning for leadership under cfg.LeaderKey in the
// background. Leadership is given up when ctx is cancelled and regained
// through a new session if the current one expires.
func (c *Client) Campaign(ctx context.Context, id string) *Leader {
	l := &Leader{client: c, id: id}
	go l.run(ctx)
	return l
}

// IsLeader reports whether this instance currently holds leadership.
func (l *Leader) IsLeader() bool {
	return l.leader.Load()
}

func (l *Leader) run(ctx context.Context) {
	logger := l.client.logger.With(zap.String("key", l.client.cfg.LeaderKey), zap.String("id", l.id))
	for ctx.Err() == nil {
		if err := l.term(ctx, logger); err != nil && ctx.Err() == nil {
			logger.Warn("Leader campaign failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(jobloop.DefaultJitter(campaignRetry)):
			}
		}
	}
}

// term campaigns once and holds leadership until the session ends or ctx is
// cancelled.
func (l *Leader) term(ctx context.Context, logger *zap.Logger) error {
	session, err := concurrency.NewSession(l.client.client, concurrency.WithTTL(sessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, l.client.cfg.LeaderKey)
	if err := election.Campaign(ctx, l.id); err != nil {
		return err
	}
	l.leader.Store(true)
	logger.Info("Became leader")

	select {
	case <-ctx.Done():
		l.leader.Store(false)
		resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			logger.Warn("Failed to resign leadership", zap.Error(err))
		}
		logger.Info("Resigned leadership")
		return nil
	case <-session.Done():
		l.leader.Store(false)
		logger.Warn("Lost leadership")
		return errors.New("etcd session expired")
	}
}

// =============================================================================
// Cluster State Mirror
// =============================================================================

// StateMirror writes the latest cluster state to cfg.StateKey. Intermediate
// states published faster than etcd accepts them are skipped.
type StateMirror struct {
	client *Client
	key    string
	latest chan *domain.ClusterState
}

// NewStateMirror creates a mirror. Register Observe as a cluster store
// listener and run Run.
func (c *Client) NewStateMirror() *StateMirror {
	return &StateMirror{
		client: c,
		key:    c.cfg.StateKey,
		latest: make(chan *domain.ClusterState, 1),
	}
}

// Observe queues state for writing, replacing a state not yet written. It
// never blocks and expects a single caller at a time.
func (m *StateMirror) Observe(state *domain.ClusterState) {
	select {
	case <-m.latest:
	default:
	}
	m.latest <- state
}

// Run writes queued states until ctx is cancelled.
func (m *StateMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-m.latest:
			if err := m.write(ctx, state); err != nil {
				m.client.logger.Warn("Failed to mirror cluster state",
					zap.Uint64("generation", state.Generation),
					zap.Error(err),
				)
			}
		}
	}
}

func (m *StateMirror) write(ctx context.Context, state *domain.ClusterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := m.client.client.Put(ctx, m.key, string(data)); err != nil {
		return domain.Transient("put cluster state", err)
	}
	return nil
}

// LoadState reads the mirrored state. Work that was in flight when it was
// written cannot be resumed, so it is rolled back to a settled state.
func (c *Client) LoadState(ctx context.Context) (*domain.ClusterState, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.cfg.StateKey)
	if err != nil {
		return nil, domain.Transient("get cluster state", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}

	state := domain.NewClusterState()
	if err := json.Unmarshal(resp.Kvs[0].Value, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cluster state: %w", err)
	}
	if err := settle(state); err != nil {
		return nil, err
	}
	c.logger.Info("Loaded mirrored cluster state",
		zap.Uint64("generation", state.Generation),
		zap.Int("hosts", len(state.Hosts)),
		zap.Int("vms", len(state.VMs)),
	)
	return state, nil
}

// settle reverts reservations and interrupted power transitions.
func settle(state *domain.ClusterState) error {
	for id, vm := range state.VMs {
		if !vm.IsMigrating() {
			continue
		}
		if err := state.RevertMigration(id); err != nil {
			return fmt.Errorf("failed to revert migration of %s: %w", id, err)
		}
	}
	for _, h := range state.Hosts {
		h.Evacuating = false
		switch h.PowerState {
		case domain.PowerStateWaking:
			h.PowerState = domain.PowerStateSleeping
		case domain.PowerStateSuspending:
			h.PowerState = domain.PowerStateActive
		}
	}
	return state.CheckInvariants()
}
