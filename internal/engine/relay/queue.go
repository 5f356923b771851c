package relay

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// QueuedEvent is one received event waiting for dispatch.
type QueuedEvent struct {
	TenantID   string
	EventType  string
	Payload    interface{}
	EnqueuedAt time.Time
}

// Enqueue appends an event to the tenant's queue and starts a processor if
// none is running. It never blocks and never drops: the high watermark only
// drives alerting.
func (m *Manager) Enqueue(tenantID, eventType string, payload interface{}) {
	ts := m.state(tenantID)
	now := m.clock.Now()

	ts.mu.Lock()
	ts.queue = append(ts.queue, QueuedEvent{
		TenantID:   tenantID,
		EventType:  eventType,
		Payload:    payload,
		EnqueuedAt: now,
	})
	ts.lastActivity = now
	depth := len(ts.queue)

	threshold := int(float64(m.opts.HighWatermark) * m.opts.AlertRatio)
	alert := false
	if depth >= threshold {
		alert = !ts.alerted
		ts.alerted = true
		if alert {
			ts.alerts++
		}
	} else {
		ts.alerted = false
	}

	var gen uint64
	start := !ts.processing && !m.isClosed()
	if start {
		gen = m.beginProcessingLocked(ts, now)
	}
	ts.mu.Unlock()

	if alert {
		log.Warn().Str("tenant_id", tenantID).Int("depth", depth).Int("high_watermark", m.opts.HighWatermark).
			Msg("event queue above alert threshold, draining without throttle")
	}
	if start {
		m.startProcessor(ts, gen)
	}
}

func (m *Manager) beginProcessingLocked(ts *tenantState, now time.Time) uint64 {
	ts.processing = true
	ts.processingSince = now
	ts.generation++
	return ts.generation
}

func (m *Manager) startProcessor(ts *tenantState, gen uint64) {
	m.wg.Add(1)
	go m.process(ts, gen)
}

// process drains the tenant queue in FIFO order. Spacing and throttle only
// apply while the queue is at or below the fast-drain threshold, judged on
// the depth at pop time and after dispatch respectively. A processor whose
// generation has been superseded by a stall reset exits at its next check.
func (m *Manager) process(ts *tenantState, gen uint64) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("%v", r)).Str("tenant_id", ts.id).Msg("recovered panic in queue processor")
			ts.mu.Lock()
			if ts.generation == gen {
				ts.processing = false
			}
			ts.mu.Unlock()
		}
	}()

	var lastStart time.Time
	for {
		ts.mu.Lock()
		if ts.generation != gen {
			ts.mu.Unlock()
			return
		}
		if len(ts.queue) == 0 {
			ts.processing = false
			ts.alerted = false
			ts.mu.Unlock()
			return
		}
		item := ts.queue[0]
		ts.queue[0] = QueuedEvent{}
		ts.queue = ts.queue[1:]
		depth := len(ts.queue)
		now := m.clock.Now()
		ts.lastActivity = now
		ts.processingSince = now
		ts.mu.Unlock()

		if depth <= m.opts.FastDrainThreshold && !lastStart.IsZero() && m.opts.MinItemSpacing > 0 {
			if wait := m.opts.MinItemSpacing - m.clock.Since(lastStart); wait > 0 && !m.pause(wait) {
				m.requeueFront(ts, gen, item)
				return
			}
		}
		lastStart = m.clock.Now()

		m.dispatcher.Dispatch(m.ctx, item.TenantID, item.EventType, item.Payload)

		ts.mu.Lock()
		ts.processed++
		depth = len(ts.queue)
		ts.mu.Unlock()

		if depth <= m.opts.FastDrainThreshold && m.opts.ThrottleDelay > 0 && !m.pause(m.opts.ThrottleDelay) {
			m.stopProcessing(ts, gen)
			return
		}
	}
}

// pause sleeps for d and reports false if the manager shut down meanwhile.
func (m *Manager) pause(d time.Duration) bool {
	select {
	case <-m.clock.After(d):
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) requeueFront(ts *tenantState, gen uint64, item QueuedEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.queue = append([]QueuedEvent{item}, ts.queue...)
	if ts.generation == gen {
		ts.processing = false
	}
}

func (m *Manager) stopProcessing(ts *tenantState, gen uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.generation == gen {
		ts.processing = false
	}
}

// ResetStalled force-clears the processing flag of any tenant whose processor
// has not advanced for longer than the stall timeout while events are
// waiting, and starts a fresh processor. The wedged call is left to finish on
// its own. It returns the number of tenants reset.
func (m *Manager) ResetStalled() int {
	now := m.clock.Now()
	reset := 0
	for _, ts := range m.snapshot() {
		ts.mu.Lock()
		stalled := ts.processing && len(ts.queue) > 0 && now.Sub(ts.processingSince) > m.opts.StallTimeout
		var gen uint64
		var since time.Time
		if stalled {
			since = ts.processingSince
			gen = m.beginProcessingLocked(ts, now)
		}
		depth := len(ts.queue)
		ts.mu.Unlock()

		if !stalled {
			continue
		}
		reset++
		log.Warn().Str("tenant_id", ts.id).Int("depth", depth).Dur("stalled_for", now.Sub(since)).
			Msg("queue processor stalled, starting a fresh one")
		m.startProcessor(ts, gen)
	}
	return reset
}

// TruncateQueues keeps only the newest keep events in every tenant queue.
// This is the one place events are deliberately discarded, always from the
// oldest end. It returns the total number dropped.
func (m *Manager) TruncateQueues(keep int) int {
	if keep < 0 {
		keep = 0
	}
	total := 0
	for _, ts := range m.snapshot() {
		ts.mu.Lock()
		n := len(ts.queue) - keep
		if n > 0 {
			kept := make([]QueuedEvent, keep)
			copy(kept, ts.queue[n:])
			ts.queue = kept
			ts.dropped += uint64(n)
		}
		ts.mu.Unlock()

		if n > 0 {
			total += n
			log.Warn().Str("tenant_id", ts.id).Int("dropped", n).Int("kept", keep).
				Msg("truncated event queue under memory pressure, oldest events dropped")
		}
	}
	return total
}

func (m *Manager) QueueDepth(tenantID string) int {
	ts, ok := m.lookup(tenantID)
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.queue)
}
