// Package directory is the relay's read-through view of tenant webhook
// configuration.
package directory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"callrelay/internal/platform/models"
)

type WebhookSource interface {
	ListActiveByTenant(ctx context.Context, tenantID string) ([]*models.Webhook, error)
}

type entry struct {
	webhooks  []*models.Webhook
	fetchedAt time.Time
}

type Directory struct {
	source WebhookSource
	ttl    time.Duration
	clock  clockwork.Clock
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	// versions is bumped by Invalidate; a load started under an older
	// version must not repopulate the cache.
	versions map[string]uint64
}

type Stats struct {
	Entries    int     `json:"entries"`
	Fresh      int     `json:"fresh"`
	Expired    int     `json:"expired"`
	Webhooks   int     `json:"webhooks"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

func New(source WebhookSource, ttl time.Duration, clock clockwork.Clock) *Directory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Directory{
		source:   source,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[string]*entry),
		versions: make(map[string]uint64),
	}
}

// ActiveWebhooks returns the tenant's active webhooks, loading them from the
// store when the cached entry is missing or past its TTL. A failed load falls
// back to an unexpired cached value, otherwise to an empty list.
func (d *Directory) ActiveWebhooks(ctx context.Context, tenantID string) []*models.Webhook {
	if hooks, ok := d.fresh(tenantID); ok {
		return hooks
	}
	return d.load(ctx, tenantID)
}

// Refresh reloads the tenant regardless of the cached entry's age.
func (d *Directory) Refresh(ctx context.Context, tenantID string) []*models.Webhook {
	return d.load(ctx, tenantID)
}

func (d *Directory) fresh(tenantID string) ([]*models.Webhook, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[tenantID]
	if !ok || d.clock.Since(e.fetchedAt) >= d.ttl {
		return nil, false
	}
	return e.webhooks, true
}

func (d *Directory) load(ctx context.Context, tenantID string) []*models.Webhook {
	d.mu.RLock()
	version := d.versions[tenantID]
	d.mu.RUnlock()

	// Keyed by version so a load after Invalidate never joins one started
	// before it.
	key := tenantID + "@" + strconv.FormatUint(version, 10)
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		hooks, err := d.source.ListActiveByTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.versions[tenantID] == version {
			d.entries[tenantID] = &entry{webhooks: hooks, fetchedAt: d.clock.Now()}
		}
		d.mu.Unlock()
		return hooks, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("webhook lookup failed")
		if hooks, ok := d.fresh(tenantID); ok {
			return hooks
		}
		return nil
	}
	return v.([]*models.Webhook)
}

func (d *Directory) Invalidate(tenantID string) {
	d.mu.Lock()
	delete(d.entries, tenantID)
	d.versions[tenantID]++
	d.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (d *Directory) Purge() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, e := range d.entries {
		if d.clock.Since(e.fetchedAt) >= d.ttl {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

func (d *Directory) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.entries)
	d.entries = make(map[string]*entry)
	return n
}

func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{Entries: len(d.entries), TTLSeconds: d.ttl.Seconds()}
	for _, e := range d.entries {
		if d.clock.Since(e.fetchedAt) >= d.ttl {
			s.Expired++
		} else {
			s.Fresh++
		}
		s.Webhooks += len(e.webhooks)
	}
	return s
}
