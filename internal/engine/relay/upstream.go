package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"callrelay/internal/platform/models"
)

var ErrUnknownCluster = errors.New("unknown upstream cluster")

// Event is one occurrence received from the call-center socket. Name may be
// any string; unknown names simply match no webhook.
type Event struct {
	Name string
	Data interface{}
}

type Conn interface {
	Receive(ctx context.Context) (Event, error)
	Ping(ctx context.Context) error
	Close(reason string) error
}

type Upstream interface {
	Dial(ctx context.Context, tenant *models.Tenant) (Conn, error)
}

// frame is the wire form of an upstream message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebsocketUpstream connects to the cluster endpoint selected by the tenant,
// passing the tenant credential as the token query parameter.
type WebsocketUpstream struct {
	clusters       map[string]string
	defaultCluster string
	readLimit      int64
}

func NewWebsocketUpstream(clusters map[string]string, defaultCluster string) *WebsocketUpstream {
	return &WebsocketUpstream{
		clusters:       clusters,
		defaultCluster: defaultCluster,
		readLimit:      1 << 20,
	}
}

func (u *WebsocketUpstream) endpoint(tenant *models.Tenant) (string, error) {
	cluster := tenant.Cluster
	if cluster == "" {
		cluster = u.defaultCluster
	}
	base, ok := u.clusters[cluster]
	if !ok || base == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownCluster, cluster)
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse cluster url: %w", err)
	}
	q := parsed.Query()
	q.Set("token", tenant.Credential)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (u *WebsocketUpstream) Dial(ctx context.Context, tenant *models.Tenant) (Conn, error) {
	endpoint, err := u.endpoint(tenant)
	if err != nil {
		return nil, err
	}

	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(u.readLimit)

	// Subscribe to every event name.
	if err := wsjson.Write(ctx, c, frame{Event: "subscribe", Data: json.RawMessage(`"*"`)}); err != nil {
		c.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Receive(ctx context.Context) (Event, error) {
	for {
		_, raw, err := w.c.Read(ctx)
		if err != nil {
			return Event{}, err
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			continue
		}

		var data interface{}
		if len(f.Data) > 0 {
			dec := json.NewDecoder(bytes.NewReader(f.Data))
			dec.UseNumber()
			if err := dec.Decode(&data); err != nil {
				continue
			}
		}
		return Event{Name: f.Event, Data: data}, nil
	}
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
