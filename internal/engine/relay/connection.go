package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

type Action string

const (
	ActionConnected    Action = "connected"
	ActionDisconnected Action = "disconnected"
	ActionUnchanged    Action = "unchanged"
)

// Connect opens the upstream socket for a tenant. It reports whether a new
// connection was created. A tenant that is already connecting, already
// connected (unless force is set), inactive, missing its credential or
// without active webhooks is a no-op, not an error. The whole attempt,
// lookups included, is bounded by the connect timeout.
func (m *Manager) Connect(ctx context.Context, tenantID string, force bool) (bool, error) {
	if m.isClosed() {
		return false, nil
	}
	ts := m.state(tenantID)

	ts.mu.Lock()
	if ts.status == StatusConnecting || (ts.status == StatusConnected && !force) {
		ts.mu.Unlock()
		return false, nil
	}
	oldConn, oldCancel := ts.detachLocked()
	ts.status = StatusConnecting
	ts.manualClose = false
	ts.stopRetryLocked()
	ts.mu.Unlock()

	if oldConn != nil {
		oldCancel()
		oldConn.Close("reconnect")
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	tenant, err := m.store.GetByID(ctx, tenantID)
	if err != nil {
		m.settle(ts, StatusDisconnected)
		return false, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if !tenant.CanConnect() {
		m.settle(ts, StatusDisconnected)
		log.Debug().Str("tenant_id", tenantID).Msg("tenant not eligible for upstream connection")
		return false, nil
	}
	hooks := m.dir.ActiveWebhooks(ctx, tenantID)
	if len(hooks) == 0 {
		m.settle(ts, StatusDisconnected)
		log.Debug().Str("tenant_id", tenantID).Msg("tenant has no active webhooks, not connecting")
		return false, nil
	}

	conn, err := m.upstream.Dial(ctx, tenant)
	if err != nil {
		m.settle(ts, StatusDisconnected)
		return false, fmt.Errorf("dial upstream for %s: %w", tenantID, err)
	}

	now := m.clock.Now()
	ts.mu.Lock()
	if ts.manualClose || m.isClosed() {
		ts.status = StatusDisconnected
		ts.mu.Unlock()
		conn.Close("disconnected while connecting")
		return false, nil
	}
	ts.session++
	session := ts.session
	connCtx, connCancel := context.WithCancel(m.ctx)
	ts.conn = conn
	ts.connCancel = connCancel
	ts.status = StatusConnected
	ts.name = tenant.Name
	ts.webhookCount = len(hooks)
	ts.connectedAt = now
	ts.lastActivity = now
	ts.retryAttempt = 0
	ts.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(connCtx, ts, conn, session)
	if m.opts.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeat(connCtx, ts, conn)
	}

	log.Info().Str("tenant_id", tenantID).Str("cluster", tenant.Cluster).Int("webhooks", len(hooks)).
		Msg("upstream connected")
	return true, nil
}

func (m *Manager) settle(ts *tenantState, status Status) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = status
}

func (m *Manager) readLoop(ctx context.Context, ts *tenantState, conn Conn, session uint64) {
	defer m.wg.Done()
	for {
		ev, err := conn.Receive(ctx)
		if err != nil {
			m.handleDisconnect(ts, session, err)
			return
		}
		m.Enqueue(ts.id, ev.Name, ev.Data)
	}
}

// heartbeat pings the socket so a silently dead transport is noticed. A failed
// ping closes the connection, which ends the read loop and takes the normal
// disconnect path.
func (m *Manager) heartbeat(ctx context.Context, ts *tenantState, conn Conn) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("tenant_id", ts.id).Msg("upstream heartbeat failed")
				conn.Close("heartbeat failed")
				return
			}
		}
	}
}

func (m *Manager) handleDisconnect(ts *tenantState, session uint64, cause error) {
	ts.mu.Lock()
	if ts.session != session || ts.conn == nil {
		ts.mu.Unlock()
		return
	}
	conn, cancel := ts.detachLocked()
	ts.status = StatusDisconnected
	manual := ts.manualClose
	ts.mu.Unlock()

	cancel()
	conn.Close("transport closed")

	if manual || m.isClosed() {
		log.Info().Str("tenant_id", ts.id).Msg("upstream closed")
		return
	}
	log.Warn().Err(cause).Str("tenant_id", ts.id).Dur("retry_in", m.opts.ReconnectDelay).
		Msg("upstream connection lost, scheduling reconnect")
	m.scheduleRetry(ts, m.opts.ReconnectDelay)
}

func (m *Manager) scheduleRetry(ts *tenantState, delay time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.manualClose || m.isClosed() {
		return
	}
	if ts.retryTimer != nil {
		ts.retryTimer.Stop()
	}
	ts.nextRetryAt = m.clock.Now().Add(delay)
	ts.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(ts) })
}

// retry runs a scheduled reconnect. Failures walk the backoff ladder, then
// fall back to the last-resort delay indefinitely. The attempt counter is
// only reset by a successful connect.
func (m *Manager) retry(ts *tenantState) {
	ts.mu.Lock()
	ts.retryTimer = nil
	ts.nextRetryAt = time.Time{}
	manual := ts.manualClose
	ts.mu.Unlock()
	if manual {
		return
	}

	m.connectOrBackoff(m.ctx, ts.id, false)
}

// connectOrBackoff connects and, on failure, schedules the next rung of the
// retry ladder, so no caller can leave a failed tenant without a pending
// attempt.
func (m *Manager) connectOrBackoff(ctx context.Context, tenantID string, force bool) (bool, error) {
	created, err := m.Connect(ctx, tenantID, force)
	if err != nil {
		m.backoff(m.state(tenantID), err)
	}
	return created, err
}

func (m *Manager) backoff(ts *tenantState, err error) {
	ts.mu.Lock()
	attempt := ts.retryAttempt
	ts.retryAttempt++
	ts.mu.Unlock()

	delay := m.opts.LastResortDelay
	if attempt < len(m.opts.Backoff) {
		delay = m.opts.Backoff[attempt]
	}
	log.Warn().Err(err).Str("tenant_id", ts.id).Int("attempt", attempt+1).Dur("retry_in", delay).
		Msg("upstream connect failed")
	m.scheduleRetry(ts, delay)
}

// retryPending reports whether the tenant is waiting on the retry ladder.
func (m *Manager) retryPending(tenantID string) bool {
	ts, ok := m.lookup(tenantID)
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return !ts.nextRetryAt.IsZero()
}

// Disconnect closes the tenant's connection on purpose; no reconnect is
// scheduled. It reports whether a live connection was closed.
func (m *Manager) Disconnect(tenantID, reason string) bool {
	ts, ok := m.lookup(tenantID)
	if !ok {
		return false
	}

	ts.mu.Lock()
	ts.manualClose = true
	ts.stopRetryLocked()
	conn, cancel := ts.detachLocked()
	if ts.status == StatusConnected {
		ts.status = StatusDisconnected
	}
	ts.mu.Unlock()

	if conn == nil {
		return false
	}
	cancel()
	conn.Close(reason)
	log.Info().Str("tenant_id", tenantID).Str("reason", reason).Msg("upstream disconnected")
	return true
}

func (m *Manager) ReconnectTenant(ctx context.Context, tenantID string) (bool, error) {
	m.Disconnect(tenantID, "reconnect requested")
	m.dir.Invalidate(tenantID)
	return m.connectOrBackoff(ctx, tenantID, true)
}

type ReconnectSummary struct {
	Attempted int `json:"attempted"`
	Connected int `json:"connected"`
	Failed    int `json:"failed"`
}

// ReconnectAll connects every tenant with active webhooks. With force set,
// tenants that are already connected get a fresh socket; without it, tenants
// waiting on the retry ladder are left to their scheduled attempt.
func (m *Manager) ReconnectAll(ctx context.Context, force bool) (ReconnectSummary, error) {
	all, err := m.store.ListIDsWithActiveWebhooks(ctx)
	if err != nil {
		return ReconnectSummary{}, fmt.Errorf("list tenants with active webhooks: %w", err)
	}

	ids := all[:0:0]
	for _, id := range all {
		if force || !m.retryPending(id) {
			ids = append(ids, id)
		}
	}

	results := make([]bool, len(ids))
	p := pool.New().WithErrors().WithMaxGoroutines(8)
	for i, id := range ids {
		p.Go(func() error {
			created, err := m.connectOrBackoff(ctx, id, force)
			results[i] = created
			return err
		})
	}
	connectErr := p.Wait()

	summary := ReconnectSummary{Attempted: len(ids)}
	for _, ok := range results {
		if ok {
			summary.Connected++
		}
	}
	if connectErr != nil {
		summary.Failed = countJoined(connectErr)
		log.Warn().Err(connectErr).Int("failed", summary.Failed).Msg("some tenants failed to reconnect")
	}
	return summary, nil
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

// CheckTenant re-reads the tenant's webhooks and connects or disconnects it
// to match.
func (m *Manager) CheckTenant(ctx context.Context, tenantID string) (Action, error) {
	m.dir.Invalidate(tenantID)
	hooks := m.dir.Refresh(ctx, tenantID)

	tenant, err := m.store.GetByID(ctx, tenantID)
	if err != nil {
		return ActionUnchanged, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	if !tenant.CanConnect() || len(hooks) == 0 {
		if m.Disconnect(tenantID, "no active webhooks") {
			return ActionDisconnected, nil
		}
		return ActionUnchanged, nil
	}

	if m.Status(tenantID) == StatusConnected {
		ts := m.state(tenantID)
		ts.mu.Lock()
		ts.webhookCount = len(hooks)
		ts.mu.Unlock()
		return ActionUnchanged, nil
	}

	created, err := m.connectOrBackoff(ctx, tenantID, false)
	if err != nil {
		return ActionUnchanged, err
	}
	if created {
		return ActionConnected, nil
	}
	return ActionUnchanged, nil
}

// CheckInactive disconnects every tenant that has become inactive or been
// deleted. It returns the number of connections closed.
func (m *Manager) CheckInactive(ctx context.Context) (int, error) {
	ids, err := m.store.ListInactiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list inactive tenants: %w", err)
	}
	closed := 0
	for _, id := range ids {
		if m.Disconnect(id, "tenant inactive") {
			closed++
		}
	}
	return closed, nil
}

type CheckSummary struct {
	Checked      int `json:"checked"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
	Failed       int `json:"failed"`
}

// CheckAll connects tenants that have active webhooks but no socket and
// disconnects connected tenants that no longer have any. Tenants already
// waiting on the retry ladder keep their scheduled attempt.
func (m *Manager) CheckAll(ctx context.Context) (CheckSummary, error) {
	ids, err := m.store.ListIDsWithActiveWebhooks(ctx)
	if err != nil {
		return CheckSummary{}, fmt.Errorf("list tenants with active webhooks: %w", err)
	}

	var summary CheckSummary
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
		summary.Checked++
		if m.Status(id) != StatusDisconnected || m.retryPending(id) {
			continue
		}
		created, err := m.connectOrBackoff(ctx, id, false)
		if err != nil {
			summary.Failed++
			log.Warn().Err(err).Str("tenant_id", id).Msg("connect during sweep failed")
			continue
		}
		if created {
			summary.Connected++
		}
	}

	for _, st := range m.Statuses() {
		if st.Status != StatusConnected || wanted[st.TenantID] {
			continue
		}
		summary.Checked++
		if len(m.dir.Refresh(ctx, st.TenantID)) > 0 {
			continue
		}
		if m.Disconnect(st.TenantID, "no active webhooks") {
			summary.Disconnected++
		}
	}
	return summary, nil
}

// ReconnectIdle force-reconnects connected tenants that have seen no activity
// for longer than idle. It returns the number of tenants reconnected.
func (m *Manager) ReconnectIdle(ctx context.Context, idle time.Duration) int {
	now := m.clock.Now()
	count := 0
	for _, st := range m.Statuses() {
		if st.Status != StatusConnected || st.LastActivity == nil || now.Sub(*st.LastActivity) <= idle {
			continue
		}
		log.Warn().Str("tenant_id", st.TenantID).Dur("idle", now.Sub(*st.LastActivity)).
			Msg("connection idle, forcing reconnect")
		if _, err := m.ReconnectTenant(ctx, st.TenantID); err != nil {
			log.Warn().Err(err).Str("tenant_id", st.TenantID).Msg("idle reconnect failed")
			continue
		}
		count++
	}
	return count
}
