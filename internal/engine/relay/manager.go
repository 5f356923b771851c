// Package relay owns the per-tenant upstream connections and event queues.
// All state for one tenant lives in a single tenantState guarded by its own
// mutex; the manager map only tracks which tenants exist.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"callrelay/internal/engine/webhooks"
	"callrelay/internal/platform/config"
	"callrelay/internal/platform/models"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type TenantStore interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	ListIDsWithActiveWebhooks(ctx context.Context) ([]string, error)
	ListInactiveIDs(ctx context.Context) ([]string, error)
}

type Directory interface {
	ActiveWebhooks(ctx context.Context, tenantID string) []*models.Webhook
	Refresh(ctx context.Context, tenantID string) []*models.Webhook
	Invalidate(tenantID string)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) []webhooks.Outcome
}

type Options struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	Backoff           []time.Duration
	LastResortDelay   time.Duration

	HighWatermark      int
	AlertRatio         float64
	ThrottleDelay      time.Duration
	MinItemSpacing     time.Duration
	FastDrainThreshold int
	StallTimeout       time.Duration

	Clock clockwork.Clock
}

func OptionsFromConfig(up config.UpstreamConfig, q config.QueueConfig) Options {
	return Options{
		ConnectTimeout:     up.ConnectTimeout,
		HeartbeatInterval:  up.HeartbeatInterval,
		ReconnectDelay:     up.ReconnectDelay,
		Backoff:            up.Backoff,
		LastResortDelay:    up.LastResortDelay,
		HighWatermark:      q.HighWatermark,
		AlertRatio:         q.AlertRatio,
		ThrottleDelay:      q.ThrottleDelay,
		MinItemSpacing:     q.MinItemSpacing,
		FastDrainThreshold: q.FastDrainThreshold,
		StallTimeout:       q.StallTimeout,
	}
}

// tenantState holds everything the relay knows about one tenant.
type tenantState struct {
	id string

	mu sync.Mutex

	name         string
	webhookCount int
	status       Status
	conn         Conn
	connCancel   context.CancelFunc
	session      uint64
	connectedAt  time.Time
	lastActivity time.Time
	manualClose  bool

	retryTimer   clockwork.Timer
	retryAttempt int
	nextRetryAt  time.Time

	queue           []QueuedEvent
	processing      bool
	processingSince time.Time
	generation      uint64
	processed       uint64
	dropped         uint64
	alerted         bool
	alerts          uint64
}

// detachLocked unhooks the live connection, if any, so the caller can close it
// outside the lock. Bumping the session makes the old read loop's disconnect
// report stale.
func (ts *tenantState) detachLocked() (Conn, context.CancelFunc) {
	conn, cancel := ts.conn, ts.connCancel
	ts.conn = nil
	ts.connCancel = nil
	ts.session++
	return conn, cancel
}

func (ts *tenantState) stopRetryLocked() {
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
		ts.retryTimer = nil
	}
	ts.nextRetryAt = time.Time{}
}

type TenantStatus struct {
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name,omitempty"`
	WebhookCount int        `json:"webhook_count"`
	Status       Status     `json:"status"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	QueueDepth   int        `json:"queue_depth"`
	Processing   bool       `json:"processing"`
	Processed    uint64     `json:"processed"`
	Dropped      uint64     `json:"dropped"`
	QueueAlerts  uint64     `json:"queue_alerts"`
	RetryAttempt int        `json:"retry_attempt"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

type Summary struct {
	Tenants    int `json:"total"`
	Connected  int `json:"connected"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
}

type Manager struct {
	store      TenantStore
	dir        Directory
	dispatcher EventDispatcher
	upstream   Upstream
	opts       Options
	clock      clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tenants map[string]*tenantState
	closed  bool
}

func NewManager(store TenantStore, dir Directory, dispatcher EventDispatcher, upstream Upstream, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.LastResortDelay <= 0 {
		opts.LastResortDelay = 30 * time.Minute
	}
	if opts.HighWatermark <= 0 {
		opts.HighWatermark = 1000
	}
	if opts.AlertRatio <= 0 {
		opts.AlertRatio = 0.8
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		dir:        dir,
		dispatcher: dispatcher,
		upstream:   upstream,
		opts:       opts,
		clock:      opts.Clock,
		ctx:        ctx,
		cancel:     cancel,
		tenants:    make(map[string]*tenantState),
	}
}

func (m *Manager) state(tenantID string) *tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = &tenantState{id: tenantID, status: StatusDisconnected}
		m.tenants[tenantID] = ts
	}
	return ts
}

func (m *Manager) lookup(tenantID string) (*tenantState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tenants[tenantID]
	return ts, ok
}

// snapshot returns the current tenant states sorted by id.
func (m *Manager) snapshot() []*tenantState {
	m.mu.Lock()
	states := make([]*tenantState, 0, len(m.tenants))
	for _, ts := range m.tenants {
		states = append(states, ts)
	}
	m.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].id < states[j].id })
	return states
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) Status(tenantID string) Status {
	ts, ok := m.lookup(tenantID)
	if !ok {
		return StatusDisconnected
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status
}

func (m *Manager) Statuses() []TenantStatus {
	states := m.snapshot()
	out := make([]TenantStatus, 0, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		st := TenantStatus{
			TenantID:     ts.id,
			Name:         ts.name,
			WebhookCount: ts.webhookCount,
			Status:       ts.status,
			QueueDepth:   len(ts.queue),
			Processing:   ts.processing,
			Processed:    ts.processed,
			Dropped:      ts.dropped,
			QueueAlerts:  ts.alerts,
			RetryAttempt: ts.retryAttempt,
		}
		if !ts.connectedAt.IsZero() && ts.status == StatusConnected {
			t := ts.connectedAt
			st.ConnectedAt = &t
		}
		if !ts.lastActivity.IsZero() {
			t := ts.lastActivity
			st.LastActivity = &t
		}
		if !ts.nextRetryAt.IsZero() {
			t := ts.nextRetryAt
			st.NextRetryAt = &t
		}
		ts.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (m *Manager) Summary() Summary {
	var s Summary
	for _, ts := range m.snapshot() {
		ts.mu.Lock()
		s.Tenants++
		if ts.status == StatusConnected {
			s.Connected++
		}
		s.Queued += len(ts.queue)
		if ts.processing {
			s.Processing++
		}
		ts.mu.Unlock()
	}
	return s
}

// Shutdown closes every connection, cancels pending retries and waits for
// the read loops and queue processors to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, ts := range m.snapshot() {
		ts.mu.Lock()
		ts.manualClose = true
		ts.stopRetryLocked()
		conn, cancel := ts.detachLocked()
		ts.status = StatusDisconnected
		ts.mu.Unlock()

		if conn != nil {
			cancel()
			conn.Close("shutdown")
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
