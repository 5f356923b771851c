package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"callrelay/internal/engine/filter"
	"callrelay/internal/pkg/logger"
	"callrelay/internal/platform/models"
)

const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
	OutcomeFiltered   = "filtered"
)

// isoMillis matches the millisecond ISO-8601 form webhook consumers expect.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type Directory interface {
	ActiveWebhooks(ctx context.Context, tenantID string) []*models.Webhook
}

type Deduplicator interface {
	ShouldSuppress(webhookID, eventType, tenantID string, payload interface{}) bool
}

type ExecutionRecorder interface {
	Record(ctx context.Context, rec *models.ExecutionRecord)
}

type Options struct {
	Timeout          time.Duration
	UserAgent        string
	MaxResponseChars int
	SigningSecret    string
	RecheckCooldown  time.Duration
	Client           *http.Client
	Clock            clockwork.Clock
}

type Outcome struct {
	WebhookID  string
	Status     string
	HTTPStatus int
	Err        error
}

type Dispatcher struct {
	dir      Directory
	dedup    Deduplicator
	recorder ExecutionRecorder

	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxResp   int
	secret    string
	clock     clockwork.Clock

	onNoWebhooks func(ctx context.Context, tenantID string)
	cooldown     time.Duration
	recheckMu    sync.Mutex
	rechecks     map[string]time.Time
	inFlight     map[string]bool
}

func NewDispatcher(dir Directory, dedup Deduplicator, recorder ExecutionRecorder, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "CallRelay-Webhook/1.0"
	}
	if opts.MaxResponseChars <= 0 {
		opts.MaxResponseChars = 300
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RecheckCooldown <= 0 {
		opts.RecheckCooldown = 30 * time.Second
	}
	return &Dispatcher{
		dir:       dir,
		dedup:     dedup,
		recorder:  recorder,
		client:    opts.Client,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		maxResp:   opts.MaxResponseChars,
		secret:    opts.SigningSecret,
		clock:     opts.Clock,
		cooldown:  opts.RecheckCooldown,
		rechecks:  make(map[string]time.Time),
		inFlight:  make(map[string]bool),
	}
}

// OnNoWebhooks registers a callback fired (asynchronously) when an event
// arrives for a tenant that no longer has any active webhook. A burst of such
// events yields one callback per tenant per cooldown.
func (d *Dispatcher) OnNoWebhooks(fn func(ctx context.Context, tenantID string)) {
	d.onNoWebhooks = fn
}

// Dispatch delivers one event to every relevant webhook of the tenant. The
// deliveries run concurrently and settle independently: one failing target
// never affects its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) []Outcome {
	hooks := d.dir.ActiveWebhooks(ctx, tenantID)
	if len(hooks) == 0 {
		d.recheck(ctx, tenantID)
		return nil
	}

	var relevant []*models.Webhook
	for _, hook := range hooks {
		if hook.Status == models.WebhookStatusActive && hook.SubscribesTo(eventType) {
			relevant = append(relevant, hook)
		}
	}
	if len(relevant) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(relevant))
	var wg conc.WaitGroup
	for i, hook := range relevant {
		wg.Go(func() {
			outcomes[i] = d.deliverTo(ctx, hook, tenantID, eventType, payload)
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		log.Error().Err(r.AsError()).Str("tenant_id", tenantID).Str("event_type", eventType).
			Msg("recovered panic during webhook delivery")
	}

	for i := range outcomes {
		if outcomes[i].Status == "" {
			outcomes[i] = Outcome{WebhookID: relevant[i].ID, Status: OutcomeFailed, Err: fmt.Errorf("delivery aborted")}
		}
	}
	return outcomes
}

func (d *Dispatcher) recheck(ctx context.Context, tenantID string) {
	if d.onNoWebhooks == nil {
		return
	}

	now := d.clock.Now()
	d.recheckMu.Lock()
	last, seen := d.rechecks[tenantID]
	if d.inFlight[tenantID] || (seen && now.Sub(last) < d.cooldown) {
		d.recheckMu.Unlock()
		return
	}
	d.inFlight[tenantID] = true
	d.rechecks[tenantID] = now
	for id, at := range d.rechecks {
		if now.Sub(at) >= d.cooldown && !d.inFlight[id] {
			delete(d.rechecks, id)
		}
	}
	d.recheckMu.Unlock()

	go func() {
		defer func() {
			d.recheckMu.Lock()
			delete(d.inFlight, tenantID)
			d.recheckMu.Unlock()
		}()
		d.onNoWebhooks(context.WithoutCancel(ctx), tenantID)
	}()
}

func (d *Dispatcher) deliverTo(ctx context.Context, hook *models.Webhook, tenantID, eventType string, payload interface{}) Outcome {
	lg := logger.Tenant(tenantID).With().Str("webhook_id", hook.ID).Str("event_type", eventType).Logger()

	if d.dedup != nil && d.dedup.ShouldSuppress(hook.ID, eventType, tenantID, payload) {
		lg.Debug().Msg("duplicate delivery suppressed")
		return Outcome{WebhookID: hook.ID, Status: OutcomeSuppressed}
	}

	if !filter.Passes(payload, hook.FiltersFor(eventType)) {
		lg.Debug().Msg("event filtered out")
		return Outcome{WebhookID: hook.ID, Status: OutcomeFiltered}
	}

	status, body, err := d.post(ctx, hook, tenantID, eventType, payload)

	outcome := Outcome{WebhookID: hook.ID, HTTPStatus: status, Err: err}
	rec := &models.ExecutionRecord{
		WebhookID:  hook.ID,
		TenantID:   tenantID,
		EventType:  eventType,
		HTTPStatus: status,
		CreatedAt:  d.clock.Now().UnixMilli(),
	}

	if err == nil && status >= 200 && status < 300 {
		outcome.Status = OutcomeSuccess
		rec.Status = models.ExecutionSuccess
		rec.Response = d.truncate(body)
		lg.Debug().Int("status", status).Msg("webhook delivered")
	} else {
		if err == nil {
			err = fmt.Errorf("HTTP %d", status)
			outcome.Err = err
			rec.Response = d.truncate(body)
		} else {
			rec.Response = d.truncate(err.Error())
		}
		outcome.Status = OutcomeFailed
		rec.Status = models.ExecutionFailed
		lg.Warn().Err(err).Str("url", hook.URL).Msg("webhook delivery failed")
	}

	if d.recorder != nil {
		d.recorder.Record(ctx, rec)
	}
	return outcome
}

func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, tenantID, eventType string, payload interface{}) (int, string, error) {
	envelope := models.DeliveryEnvelope{
		EventType: eventType,
		CompanyID: tenantID,
		Timestamp: d.clock.Now().UTC().Format(isoMillis),
		Data:      payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, "", fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Relay-Event", eventType)
	req.Header.Set("X-Relay-Delivery", "dlv_"+uuid.New().String())
	if d.secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxResp)*4))
	return resp.StatusCode, string(raw), nil
}

func (d *Dispatcher) truncate(s string) string {
	r := []rune(s)
	if len(r) <= d.maxResp {
		return s
	}
	return string(r[:d.maxResp])
}
