package workers

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type ExecutionPruneStore interface {
	PruneTenant(ctx context.Context, tenantID string, keep int) (int64, error)
	ListIDsBeyond(ctx context.Context, tenantID string, keep int) ([]string, error)
	DeleteByID(ctx context.Context, id string) error
}

// Pruner trims historical execution records per tenant. Schedule calls made
// while a run is pending for the same tenant collapse into that run.
type Pruner struct {
	store    ExecutionPruneStore
	keep     int
	debounce time.Duration
	timeout  time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	pending map[string]clockwork.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewPruner(store ExecutionPruneStore, keep int, debounce time.Duration, clock clockwork.Clock) *Pruner {
	if keep <= 0 {
		keep = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pruner{
		store:    store,
		keep:     keep,
		debounce: debounce,
		timeout:  30 * time.Second,
		clock:    clock,
		pending:  make(map[string]clockwork.Timer),
	}
}

func (p *Pruner) Schedule(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if _, ok := p.pending[tenantID]; ok {
		return
	}
	p.pending[tenantID] = p.clock.AfterFunc(p.debounce, func() { p.run(tenantID) })
}

func (p *Pruner) run(tenantID string) {
	p.mu.Lock()
	delete(p.pending, tenantID)
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.PruneNow(ctx, tenantID)
}

// PruneNow deletes all but the newest records of the tenant. When the bulk
// statement fails it falls back to deleting rows one by one.
func (p *Pruner) PruneNow(ctx context.Context, tenantID string) (int64, error) {
	n, err := p.store.PruneTenant(ctx, tenantID, p.keep)
	if err == nil {
		if n > 0 {
			log.Debug().Str("tenant_id", tenantID).Int64("deleted", n).Msg("pruned execution records")
		}
		return n, nil
	}
	log.Warn().Err(err).Str("tenant_id", tenantID).Msg("bulk prune failed, deleting records individually")

	ids, err := p.store.ListIDsBeyond(ctx, tenantID, p.keep)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to list execution records for pruning")
		return 0, err
	}

	var deleted int64
	for _, id := range ids {
		if err := p.store.DeleteByID(ctx, id); err != nil {
			log.Warn().Err(err).Str("execution_id", id).Msg("failed to delete execution record")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (p *Pruner) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stop cancels pending runs and waits for in-flight ones.
func (p *Pruner) Stop() {
	p.mu.Lock()
	p.stopped = true
	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
