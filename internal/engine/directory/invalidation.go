package directory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ChangeFunc is called after a tenant's cache entry has been invalidated.
type ChangeFunc func(ctx context.Context, tenantID string)

// Subscriber listens for webhook mutation notifications published by the
// admin application. A message body is either a bare tenant id or
// {"tenant_id": "..."}.
type Subscriber struct {
	rdb      *redis.Client
	channel  string
	dir      *Directory
	onChange ChangeFunc
}

func NewSubscriber(rdb *redis.Client, channel string, dir *Directory, onChange ChangeFunc) *Subscriber {
	return &Subscriber{rdb: rdb, channel: channel, dir: dir, onChange: onChange}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	log.Info().Str("channel", s.channel).Msg("listening for webhook change notifications")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	tenantID := parseTenantID(payload)
	if tenantID == "" {
		log.Warn().Str("payload", payload).Msg("ignoring malformed webhook change notification")
		return
	}

	s.dir.Invalidate(tenantID)
	log.Debug().Str("tenant_id", tenantID).Msg("webhook cache invalidated by notification")

	if s.onChange != nil {
		s.onChange(ctx, tenantID)
	}
}

func parseTenantID(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		var msg struct {
			TenantID string `json:"tenant_id"`
		}
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return ""
		}
		return strings.TrimSpace(msg.TenantID)
	}
	return payload
}

// Publish announces that a tenant's webhooks changed.
func Publish(ctx context.Context, rdb *redis.Client, channel, tenantID string) error {
	return rdb.Publish(ctx, channel, tenantID).Err()
}
