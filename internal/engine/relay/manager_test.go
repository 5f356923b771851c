package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"callrelay/internal/engine/webhooks"
	"callrelay/internal/platform/models"
)

type fakeStore struct {
	mu       sync.Mutex
	tenants  map[string]*models.Tenant
	active   []string
	inactive []string
	hang     bool
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	hang := s.hang
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[id], nil
}

func (s *fakeStore) setHang(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = hang
}

func (s *fakeStore) ListIDsWithActiveWebhooks(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...), nil
}

func (s *fakeStore) ListInactiveIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inactive...), nil
}

type fakeDir struct {
	mu          sync.Mutex
	hooks       map[string][]*models.Webhook
	invalidated []string
}

func (d *fakeDir) ActiveWebhooks(ctx context.Context, id string) []*models.Webhook {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hooks[id]
}

func (d *fakeDir) Refresh(ctx context.Context, id string) []*models.Webhook {
	return d.ActiveWebhooks(ctx, id)
}

func (d *fakeDir) Invalidate(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, id)
}

func (d *fakeDir) set(id string, hooks ...*models.Webhook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[id] = hooks
}

type recordingDispatcher struct {
	mu      sync.Mutex
	got     []QueuedEvent
	blockOn interface{}
	gate    chan struct{}
}

func (r *recordingDispatcher) blockAt(payload interface{}) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockOn = payload
	r.gate = make(chan struct{})
	return r.gate
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) []webhooks.Outcome {
	r.mu.Lock()
	r.got = append(r.got, QueuedEvent{TenantID: tenantID, EventType: eventType, Payload: payload})
	block := r.gate != nil && payload == r.blockOn
	r.mu.Unlock()
	if block {
		<-r.gate
	}
	return nil
}

func (r *recordingDispatcher) payloads() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, len(r.got))
	for i, ev := range r.got {
		out[i] = ev.Payload
	}
	return out
}

type fakeConn struct {
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pings   int
	pingErr error
	reason  string
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16), done: make(chan struct{})}
}

func (c *fakeConn) Receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return Event{}, errors.New("connection closed")
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) failPings(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

type fakeUpstream struct {
	mu      sync.Mutex
	dials   int
	fail    error
	entered chan struct{}
	gate    chan struct{}
	conns   []*fakeConn
}

func (u *fakeUpstream) Dial(ctx context.Context, tenant *models.Tenant) (Conn, error) {
	u.mu.Lock()
	u.dials++
	fail, entered, gate := u.fail, u.entered, u.gate
	u.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	c := newFakeConn()
	u.mu.Lock()
	u.conns = append(u.conns, c)
	u.mu.Unlock()
	return c, nil
}

func (u *fakeUpstream) setFail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail = err
}

func (u *fakeUpstream) dialCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dials
}

func (u *fakeUpstream) conn(i int) *fakeConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns[i]
}

type harness struct {
	m     *Manager
	store *fakeStore
	dir   *fakeDir
	disp  *recordingDispatcher
	up    *fakeUpstream
	clock advancer
}

type advancer interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func activeTenant(id string) *models.Tenant {
	return &models.Tenant{ID: id, Name: "Tenant " + id, Credential: "tok-" + id, Status: models.TenantStatusActive}
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{tenants: map[string]*models.Tenant{"t1": activeTenant("t1"), "t2": activeTenant("t2")}},
		dir:   &fakeDir{hooks: map[string][]*models.Webhook{}},
		disp:  &recordingDispatcher{},
		up:    &fakeUpstream{},
		clock: clockwork.NewFakeClock(),
	}
	h.dir.set("t1", &models.Webhook{ID: "w1", TenantID: "t1", Status: models.WebhookStatusActive})
	h.dir.set("t2", &models.Webhook{ID: "w2", TenantID: "t2", Status: models.WebhookStatusActive})

	opts := Options{
		ConnectTimeout:     time.Second,
		ReconnectDelay:     5 * time.Second,
		Backoff:            []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second},
		LastResortDelay:    30 * time.Minute,
		HighWatermark:      1000,
		AlertRatio:         0.8,
		FastDrainThreshold: 100,
		StallTimeout:       5 * time.Minute,
		Clock:              h.clock,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = NewManager(h.store, h.dir, h.disp, h.up, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.m.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(id string) TenantStatus {
	for _, st := range h.m.Statuses() {
		if st.TenantID == id {
			return st
		}
	}
	return TenantStatus{TenantID: id, Status: StatusDisconnected}
}

func TestQueue_PreservesOrder(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 50; i++ {
		h.m.Enqueue("t1", "call-finished", i)
	}
	waitFor(t, "all events dispatched", func() bool { return len(h.disp.payloads()) == 50 })

	for i, p := range h.disp.payloads() {
		if p != i {
			t.Fatalf("position %d got payload %v", i, p)
		}
	}
}

func TestQueue_FloodBeyondWatermarkLosesNothing(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HighWatermark = 10 })
	h.disp.blockOn = 0
	h.disp.gate = make(chan struct{})

	const n = 200
	for i := 0; i < n; i++ {
		h.m.Enqueue("t1", "call-finished", i)
	}
	if depth := h.m.QueueDepth("t1"); depth < n-1 {
		t.Fatalf("queue depth = %d, want at least %d while processor is blocked", depth, n-1)
	}
	close(h.disp.gate)

	waitFor(t, "flood drained", func() bool { return len(h.disp.payloads()) == n })
	for i, p := range h.disp.payloads() {
		if p != i {
			t.Fatalf("position %d got payload %v", i, p)
		}
	}
	if st := h.status("t1"); st.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", st.Dropped)
	}
}

func TestTruncateQueues_DropsOldest(t *testing.T) {
	h := newHarness(t, nil)
	h.disp.blockOn = 0
	h.disp.gate = make(chan struct{})

	for i := 0; i <= 20; i++ {
		h.m.Enqueue("t1", "call-finished", i)
	}
	waitFor(t, "first event in flight", func() bool { return len(h.disp.payloads()) == 1 })

	if dropped := h.m.TruncateQueues(5); dropped != 15 {
		t.Fatalf("dropped = %d, want 15", dropped)
	}
	close(h.disp.gate)

	waitFor(t, "remaining events dispatched", func() bool { return len(h.disp.payloads()) == 6 })
	want := []interface{}{0, 16, 17, 18, 19, 20}
	for i, p := range h.disp.payloads() {
		if p != want[i] {
			t.Errorf("position %d got %v, want %v", i, p, want[i])
		}
	}
	if st := h.status("t1"); st.Dropped != 15 {
		t.Errorf("dropped counter = %d, want 15", st.Dropped)
	}
}

func TestResetStalled(t *testing.T) {
	h := newHarness(t, nil)
	h.disp.blockOn = "wedged"
	h.disp.gate = make(chan struct{})

	h.m.Enqueue("t1", "call-finished", "wedged")
	h.m.Enqueue("t1", "call-finished", "next")
	waitFor(t, "wedged dispatch started", func() bool { return len(h.disp.payloads()) == 1 })

	if n := h.m.ResetStalled(); n != 0 {
		t.Fatalf("reset %d processors before the stall timeout", n)
	}

	h.clock.Advance(6 * time.Minute)
	if n := h.m.ResetStalled(); n != 1 {
		t.Fatalf("reset %d processors, want 1", n)
	}
	waitFor(t, "fresh processor drains queue", func() bool { return len(h.disp.payloads()) == 2 })

	close(h.disp.gate)
	waitFor(t, "processing flag cleared", func() bool { return !h.status("t1").Processing })
	if got := h.disp.payloads(); got[1] != "next" {
		t.Errorf("second dispatch = %v, want next", got[1])
	}
}

func TestConnect_MutualExclusion(t *testing.T) {
	h := newHarness(t, nil)
	h.up.entered = make(chan struct{})
	h.up.gate = make(chan struct{})

	first := make(chan bool, 1)
	go func() {
		created, _ := h.m.Connect(context.Background(), "t1", false)
		first <- created
	}()
	<-h.up.entered

	created, err := h.m.Connect(context.Background(), "t1", false)
	if created || err != nil {
		t.Fatalf("concurrent connect = (%v, %v), want (false, nil)", created, err)
	}
	if h.m.Status("t1") != StatusConnecting {
		t.Errorf("status = %s, want connecting", h.m.Status("t1"))
	}

	close(h.up.gate)
	if !<-first {
		t.Fatal("first connect should create the connection")
	}

	h.up.mu.Lock()
	h.up.entered = nil
	h.up.mu.Unlock()
	if created, _ := h.m.Connect(context.Background(), "t1", false); created {
		t.Error("connect while connected should be a no-op")
	}
	if h.up.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", h.up.dialCount())
	}
}

func TestConnect_NotEligible(t *testing.T) {
	h := newHarness(t, nil)
	deleted := int64(1)
	h.store.tenants["inactive"] = &models.Tenant{ID: "inactive", Credential: "x", Status: models.TenantStatusInactive}
	h.store.tenants["nocred"] = &models.Tenant{ID: "nocred", Status: models.TenantStatusActive}
	h.store.tenants["deleted"] = &models.Tenant{ID: "deleted", Credential: "x", Status: models.TenantStatusActive, DeletedAt: &deleted}
	h.store.tenants["nohooks"] = activeTenant("nohooks")
	for _, id := range []string{"inactive", "nocred", "deleted", "nohooks"} {
		h.dir.set(id, &models.Webhook{ID: "w", Status: models.WebhookStatusActive})
	}
	h.dir.set("nohooks")

	for _, id := range []string{"inactive", "nocred", "deleted", "nohooks", "missing"} {
		t.Run(id, func(t *testing.T) {
			created, err := h.m.Connect(context.Background(), id, false)
			if created || err != nil {
				t.Errorf("Connect = (%v, %v), want (false, nil)", created, err)
			}
			if h.m.Status(id) != StatusDisconnected {
				t.Errorf("status = %s", h.m.Status(id))
			}
		})
	}
	if h.up.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", h.up.dialCount())
	}
}

func TestConnect_ForwardsEventsToQueue(t *testing.T) {
	h := newHarness(t, nil)
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Fatalf("Connect = (%v, %v)", created, err)
	}

	h.up.conn(0).events <- Event{Name: "call-finished", Data: map[string]interface{}{"duration": 45}}
	waitFor(t, "event dispatched", func() bool { return len(h.disp.payloads()) == 1 })

	h.disp.mu.Lock()
	got := h.disp.got[0]
	h.disp.mu.Unlock()
	if got.TenantID != "t1" || got.EventType != "call-finished" {
		t.Errorf("dispatched %+v", got)
	}

	st := h.status("t1")
	if st.Status != StatusConnected || st.ConnectedAt == nil || st.WebhookCount != 1 || st.Name != "Tenant t1" {
		t.Errorf("status = %+v", st)
	}
}

func TestReconnectLadder(t *testing.T) {
	h := newHarness(t, nil)
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Fatalf("Connect = (%v, %v)", created, err)
	}

	start := h.clock.Now()
	h.up.setFail(errors.New("connection refused"))
	h.up.conn(0).Close("server went away")

	expectRetryAt := func(at time.Time) {
		t.Helper()
		waitFor(t, fmt.Sprintf("retry scheduled at +%s", at.Sub(start)), func() bool {
			st := h.status("t1")
			return st.NextRetryAt != nil && st.NextRetryAt.Equal(at)
		})
	}

	next := start.Add(5 * time.Second)
	expectRetryAt(next)

	ladder := []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second,
		30 * time.Minute, 30 * time.Minute,
	}
	for i, delay := range ladder {
		h.clock.Advance(next.Sub(h.clock.Now()))
		next = next.Add(delay)
		expectRetryAt(next)
		if got := h.up.dialCount(); got != i+2 {
			t.Fatalf("dials after rung %d = %d, want %d", i, got, i+2)
		}
	}

	h.up.setFail(nil)
	h.clock.Advance(next.Sub(h.clock.Now()))
	waitFor(t, "reconnected", func() bool { return h.m.Status("t1") == StatusConnected })
	if st := h.status("t1"); st.NextRetryAt != nil {
		t.Errorf("retry still scheduled after success: %v", st.NextRetryAt)
	}
}

func TestDisconnect_ManualDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect(context.Background(), "t1", false)

	if !h.m.Disconnect("t1", "admin request") {
		t.Fatal("Disconnect should close the live connection")
	}
	if h.m.Disconnect("t1", "again") {
		t.Error("second Disconnect should be a no-op")
	}

	time.Sleep(20 * time.Millisecond)
	st := h.status("t1")
	if st.Status != StatusDisconnected || st.NextRetryAt != nil {
		t.Errorf("status = %+v, want disconnected with no retry", st)
	}
	if h.up.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", h.up.dialCount())
	}
}

func TestCheckTenant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	action, err := h.m.CheckTenant(ctx, "t1")
	if err != nil || action != ActionConnected {
		t.Fatalf("CheckTenant = (%s, %v), want connected", action, err)
	}
	if action, _ := h.m.CheckTenant(ctx, "t1"); action != ActionUnchanged {
		t.Errorf("second CheckTenant = %s, want unchanged", action)
	}

	h.dir.set("t1")
	if action, _ := h.m.CheckTenant(ctx, "t1"); action != ActionDisconnected {
		t.Errorf("CheckTenant without webhooks = %s, want disconnected", action)
	}

	h.dir.mu.Lock()
	invalidated := len(h.dir.invalidated)
	h.dir.mu.Unlock()
	if invalidated != 3 {
		t.Errorf("invalidations = %d, want 3", invalidated)
	}
}

func TestCheckInactive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.m.Connect(ctx, "t1", false)
	h.m.Connect(ctx, "t2", false)

	h.store.inactive = []string{"t2", "t9"}
	closed, err := h.m.CheckInactive(ctx)
	if err != nil || closed != 1 {
		t.Fatalf("CheckInactive = (%d, %v), want 1", closed, err)
	}
	if h.m.Status("t1") != StatusConnected || h.m.Status("t2") != StatusDisconnected {
		t.Errorf("statuses = %s/%s", h.m.Status("t1"), h.m.Status("t2"))
	}
}

func TestCheckAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.active = []string{"t1", "t2"}

	summary, err := h.m.CheckAll(ctx)
	if err != nil || summary.Connected != 2 {
		t.Fatalf("CheckAll = (%+v, %v), want 2 connected", summary, err)
	}

	h.store.mu.Lock()
	h.store.active = []string{"t1"}
	h.store.mu.Unlock()
	h.dir.set("t2")

	summary, err = h.m.CheckAll(ctx)
	if err != nil || summary.Disconnected != 1 || summary.Connected != 0 {
		t.Fatalf("CheckAll = (%+v, %v), want 1 disconnected", summary, err)
	}
	if h.m.Summary().Connected != 1 {
		t.Errorf("connected = %d, want 1", h.m.Summary().Connected)
	}
}

func TestReconnectAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.active = []string{"t1", "t2"}

	summary, err := h.m.ReconnectAll(ctx, false)
	if err != nil || summary.Connected != 2 {
		t.Fatalf("ReconnectAll = (%+v, %v)", summary, err)
	}
	if summary, _ := h.m.ReconnectAll(ctx, false); summary.Connected != 0 {
		t.Errorf("unforced ReconnectAll reconnected %d tenants", summary.Connected)
	}
	if summary, _ := h.m.ReconnectAll(ctx, true); summary.Connected != 2 {
		t.Errorf("forced ReconnectAll reconnected %d tenants, want 2", summary.Connected)
	}
	if h.up.dialCount() != 4 {
		t.Errorf("dials = %d, want 4", h.up.dialCount())
	}
}

func TestReconnectIdle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.m.Connect(ctx, "t1", false)

	if n := h.m.ReconnectIdle(ctx, 10*time.Minute); n != 0 {
		t.Fatalf("reconnected %d fresh connections", n)
	}
	h.clock.Advance(11 * time.Minute)
	if n := h.m.ReconnectIdle(ctx, 10*time.Minute); n != 1 {
		t.Fatalf("reconnected %d idle connections, want 1", n)
	}
	if h.up.dialCount() != 2 || h.m.Status("t1") != StatusConnected {
		t.Errorf("dials = %d status = %s", h.up.dialCount(), h.m.Status("t1"))
	}
}

// stays asserts that cond keeps holding for a short while.
func stays(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !cond() {
			t.Fatalf("%s no longer holds", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_ThrottleAndSpacing(t *testing.T) {
	t.Run("throttle at normal depth", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.ThrottleDelay = time.Hour })
		for i := 0; i < 3; i++ {
			h.m.Enqueue("t1", "call-finished", i)
		}

		waitFor(t, "first dispatch", func() bool { return h.disp.count() == 1 })
		stays(t, "throttled after first dispatch", func() bool { return h.disp.count() == 1 })

		waitFor(t, "second dispatch after the delay", func() bool {
			if h.disp.count() == 1 {
				h.clock.Advance(time.Hour)
			}
			return h.disp.count() >= 2
		})
	})

	t.Run("spacing at normal depth", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.MinItemSpacing = time.Hour })
		for i := 0; i < 3; i++ {
			h.m.Enqueue("t1", "call-finished", i)
		}

		waitFor(t, "first dispatch", func() bool { return h.disp.count() == 1 })
		stays(t, "spaced after first dispatch", func() bool { return h.disp.count() == 1 })

		waitFor(t, "second dispatch after the spacing", func() bool {
			if h.disp.count() == 1 {
				h.clock.Advance(time.Hour)
			}
			return h.disp.count() >= 2
		})
	})

	t.Run("suspended above fast drain threshold", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.ThrottleDelay = time.Hour
			o.MinItemSpacing = time.Hour
			o.FastDrainThreshold = 5
		})
		gate := h.disp.blockAt(0)

		h.m.Enqueue("t1", "call-finished", 0)
		waitFor(t, "first event in flight", func() bool { return h.disp.count() == 1 })
		for i := 1; i <= 20; i++ {
			h.m.Enqueue("t1", "call-finished", i)
		}
		close(gate)

		// Events 1..14 are popped with more than 5 behind them and go out
		// back to back. Event 15 leaves exactly 5 queued and waits for the
		// spacing.
		waitFor(t, "fast drain down to the threshold", func() bool { return h.disp.count() == 15 })
		stays(t, "paced again at the threshold", func() bool { return h.disp.count() == 15 })
		if depth := h.m.QueueDepth("t1"); depth != 5 {
			t.Errorf("queue depth = %d, want 5", depth)
		}
	})
}

func TestQueue_AlertFiresOncePerBacklog(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HighWatermark = 10 })

	flood := func(tag string) {
		gate := h.disp.blockAt(tag)
		h.m.Enqueue("t1", "call-finished", tag)
		waitFor(t, tag+" in flight", func() bool {
			h.disp.mu.Lock()
			defer h.disp.mu.Unlock()
			return len(h.disp.got) > 0 && h.disp.got[len(h.disp.got)-1].Payload == tag
		})
		for i := 0; i < 12; i++ {
			h.m.Enqueue("t1", "call-finished", fmt.Sprintf("%s-%d", tag, i))
		}
		close(gate)
		waitFor(t, tag+" drained", func() bool { return !h.status("t1").Processing && h.m.QueueDepth("t1") == 0 })
	}

	flood("first")
	if got := h.status("t1").QueueAlerts; got != 1 {
		t.Fatalf("alerts after first backlog = %d, want 1", got)
	}

	flood("second")
	if got := h.status("t1").QueueAlerts; got != 2 {
		t.Errorf("alerts after second backlog = %d, want 2", got)
	}
}

func TestHeartbeat_FailedPingReconnects(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HeartbeatInterval = 30 * time.Second })
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Fatalf("Connect = (%v, %v)", created, err)
	}
	first := h.up.conn(0)
	first.failPings(errors.New("pong timeout"))

	waitFor(t, "socket replaced after failed heartbeat", func() bool {
		h.clock.Advance(10 * time.Second)
		return h.up.dialCount() == 2 && h.m.Status("t1") == StatusConnected
	})
	if reason := first.closeReason(); reason != "heartbeat failed" {
		t.Errorf("first socket closed with %q, want heartbeat failed", reason)
	}
}

func TestConnect_DialTimeoutTakesLadder(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Fatalf("Connect = (%v, %v)", created, err)
	}

	start := h.clock.Now()
	h.up.mu.Lock()
	h.up.gate = make(chan struct{})
	h.up.mu.Unlock()
	h.up.conn(0).Close("server went away")

	waitFor(t, "immediate retry scheduled", func() bool {
		st := h.status("t1")
		return st.NextRetryAt != nil && st.NextRetryAt.Equal(start.Add(5*time.Second))
	})
	h.clock.Advance(5 * time.Second)

	waitFor(t, "hung dial abandoned and next rung scheduled", func() bool {
		st := h.status("t1")
		return st.NextRetryAt != nil && st.NextRetryAt.Equal(start.Add(35*time.Second))
	})
	if st := h.status("t1"); st.Status != StatusDisconnected || st.RetryAttempt != 1 {
		t.Errorf("status = %+v, want disconnected on attempt 1", st)
	}
}

func TestConnect_HungStoreTimesOut(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })
	h.store.setHang(true)

	created, err := h.m.Connect(context.Background(), "t1", false)
	if created || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = (%v, %v), want deadline exceeded", created, err)
	}
	if h.m.Status("t1") != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", h.m.Status("t1"))
	}

	h.store.setHang(false)
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Errorf("Connect after store recovered = (%v, %v)", created, err)
	}
}

func TestCheckAll_KeepsRetryLadder(t *testing.T) {
	h := newHarness(t, nil)
	h.store.active = []string{"t1"}
	if created, err := h.m.Connect(context.Background(), "t1", false); !created || err != nil {
		t.Fatalf("Connect = (%v, %v)", created, err)
	}

	start := h.clock.Now()
	h.up.setFail(errors.New("connection refused"))
	h.up.conn(0).Close("server went away")
	waitFor(t, "immediate retry scheduled", func() bool { return h.status("t1").NextRetryAt != nil })
	h.clock.Advance(5 * time.Second)

	rung := start.Add(35 * time.Second)
	waitFor(t, "first rung scheduled", func() bool {
		st := h.status("t1")
		return st.NextRetryAt != nil && st.NextRetryAt.Equal(rung)
	})
	dials := h.up.dialCount()

	if _, err := h.m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if _, err := h.m.ReconnectAll(context.Background(), false); err != nil {
		t.Fatalf("ReconnectAll: %v", err)
	}
	if got := h.up.dialCount(); got != dials {
		t.Errorf("sweeps dialed %d times while a retry was pending", got-dials)
	}
	if st := h.status("t1"); st.NextRetryAt == nil || !st.NextRetryAt.Equal(rung) || st.RetryAttempt != 1 {
		t.Fatalf("ladder disturbed by sweep: %+v", st)
	}

	h.clock.Advance(rung.Sub(h.clock.Now()))
	waitFor(t, "second rung scheduled", func() bool {
		st := h.status("t1")
		return st.NextRetryAt != nil && st.NextRetryAt.Equal(rung.Add(60*time.Second))
	})
}

func TestCheckAll_FailedConnectJoinsLadder(t *testing.T) {
	h := newHarness(t, nil)
	h.store.active = []string{"t1"}
	h.up.setFail(errors.New("connection refused"))
	start := h.clock.Now()

	summary, err := h.m.CheckAll(context.Background())
	if err != nil || summary.Failed != 1 {
		t.Fatalf("CheckAll = (%+v, %v), want 1 failed", summary, err)
	}
	st := h.status("t1")
	if st.NextRetryAt == nil || !st.NextRetryAt.Equal(start.Add(30*time.Second)) || st.RetryAttempt != 1 {
		t.Fatalf("status = %+v, want retry at +30s on attempt 1", st)
	}

	h.up.setFail(nil)
	h.clock.Advance(30 * time.Second)
	waitFor(t, "connected by scheduled retry", func() bool { return h.m.Status("t1") == StatusConnected })
	if st := h.status("t1"); st.RetryAttempt != 0 || st.NextRetryAt != nil {
		t.Errorf("ladder not reset after success: %+v", st)
	}
}
