// Package dedup suppresses identical webhook deliveries inside a short window.
//
// The payload part of the key is a fixed-length prefix of its JSON form, not a
// hash: two payloads that agree on the first PayloadPrefix bytes collide. This
// trades a small false-suppression risk for not serializing and hashing every
// payload in full.
package dedup

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Options struct {
	Window        time.Duration
	MaxEntries    int
	PayloadPrefix int
	Clock         clockwork.Clock
}

type Cache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	window     time.Duration
	maxEntries int
	prefixLen  int
	clock      clockwork.Clock
	suppressed uint64
}

type Stats struct {
	Entries    int    `json:"entries"`
	Expired    int    `json:"expired"`
	MaxEntries int    `json:"max_entries"`
	WindowMs   int64  `json:"window_ms"`
	Suppressed uint64 `json:"suppressed_total"`
}

func NewCache(opts Options) *Cache {
	if opts.Window <= 0 {
		opts.Window = 3 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.PayloadPrefix <= 0 {
		opts.PayloadPrefix = 100
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		entries:    make(map[string]time.Time),
		window:     opts.Window,
		maxEntries: opts.MaxEntries,
		prefixLen:  opts.PayloadPrefix,
		clock:      opts.Clock,
	}
}

// ShouldSuppress reports true when the same delivery was recorded inside the
// window. A suppressed hit does not refresh the timestamp, so the window is
// measured from the first delivery.
func (c *Cache) ShouldSuppress(webhookID, eventType, tenantID string, payload interface{}) bool {
	key := c.key(webhookID, eventType, tenantID, payload)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.window {
		c.suppressed++
		return true
	}

	c.entries[key] = now
	if len(c.entries) > c.maxEntries {
		c.purgeLocked(now)
	}
	return false
}

func (c *Cache) key(webhookID, eventType, tenantID string, payload interface{}) string {
	var fingerprint string
	switch p := payload.(type) {
	case nil:
	case []byte:
		fingerprint = string(p)
	case json.RawMessage:
		fingerprint = string(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			fingerprint = fmt.Sprintf("%v", p)
		} else {
			fingerprint = string(b)
		}
	}
	if len(fingerprint) > c.prefixLen {
		fingerprint = fingerprint[:c.prefixLen]
	}
	return webhookID + "|" + eventType + "|" + tenantID + "|" + fingerprint
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.clock.Now())
}

func (c *Cache) purgeLocked(now time.Time) int {
	removed := 0
	for k, seen := range c.entries {
		if now.Sub(seen) >= c.window {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]time.Time)
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	expired := 0
	for _, seen := range c.entries {
		if now.Sub(seen) >= c.window {
			expired++
		}
	}
	return Stats{
		Entries:    len(c.entries),
		Expired:    expired,
		MaxEntries: c.maxEntries,
		WindowMs:   c.window.Milliseconds(),
		Suppressed: c.suppressed,
	}
}
