package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"callrelay/internal/platform/models"
)

func TestWebsocketUpstream_Endpoint(t *testing.T) {
	u := NewWebsocketUpstream(map[string]string{
		"eu": "wss://eu.example.com/socket",
		"us": "wss://us.example.com/socket?v=2",
	}, "eu")

	tests := []struct {
		name    string
		tenant  models.Tenant
		want    string
		wantErr error
	}{
		{"default cluster", models.Tenant{Credential: "abc"}, "wss://eu.example.com/socket?token=abc", nil},
		{"explicit cluster keeps query", models.Tenant{Cluster: "us", Credential: "a b"}, "wss://us.example.com/socket?token=a+b&v=2", nil},
		{"unknown cluster", models.Tenant{Cluster: "apac", Credential: "abc"}, "", ErrUnknownCluster},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := u.endpoint(&tt.tenant)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("endpoint = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebsocketUpstream_RoundTrip(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		var sub frame
		if err := wsjson.Read(ctx, c, &sub); err != nil {
			return
		}
		subscribed <- sub.Event

		c.Write(ctx, websocket.MessageText, []byte(`not json`))
		wsjson.Write(ctx, c, map[string]interface{}{
			"event": "call-finished",
			"data":  map[string]interface{}{"duration": 45, "agent": map[string]string{"name": "Ana"}},
		})
		c.Read(ctx)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	u := NewWebsocketUpstream(map[string]string{"main": wsURL}, "main")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := u.Dial(ctx, &models.Tenant{Credential: "wrong"}); err == nil {
		t.Fatal("expected handshake failure with a bad credential")
	}

	conn, err := u.Dial(ctx, &models.Tenant{Credential: "secret"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close("test done")

	if got := <-subscribed; got != "subscribe" {
		t.Errorf("first frame event = %q, want subscribe", got)
	}

	ev, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.Name != "call-finished" {
		t.Errorf("event name = %q", ev.Name)
	}
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %#v", ev.Data)
	}
	if data["duration"] != json.Number("45") {
		t.Errorf("duration = %#v, want json.Number(45)", data["duration"])
	}
}
