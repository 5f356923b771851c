package webhooks

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"callrelay/internal/platform/models"
)

type ExecutionStore interface {
	Insert(ctx context.Context, rec *models.ExecutionRecord) error
}

// PruneScheduler collapses retention work for a tenant into one debounced run.
type PruneScheduler interface {
	Schedule(tenantID string)
}

// Recorder persists delivery outcomes: every failure, and a random sample of
// successes to bound write volume. Persistence is best effort; errors are
// logged and swallowed.
type Recorder struct {
	store      ExecutionStore
	pruner     PruneScheduler
	sampleRate float64
	random     func() float64
	timeout    time.Duration
}

func NewRecorder(store ExecutionStore, pruner PruneScheduler, successSampleRate float64) *Recorder {
	return &Recorder{
		store:      store,
		pruner:     pruner,
		sampleRate: successSampleRate,
		random:     rand.Float64,
		timeout:    5 * time.Second,
	}
}

func (r *Recorder) Record(ctx context.Context, rec *models.ExecutionRecord) {
	if rec.Status == models.ExecutionSuccess && r.random() >= r.sampleRate {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.Insert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("tenant_id", rec.TenantID).Str("webhook_id", rec.WebhookID).
			Msg("failed to persist execution record")
		return
	}
	if r.pruner != nil {
		r.pruner.Schedule(rec.TenantID)
	}
}
