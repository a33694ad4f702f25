package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newAPI(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL + "/bot{bot_id}/sendMessage"
}

func TestSendSuccess(t *testing.T) {
	var got sendPayload
	var path string
	tmpl := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	})

	c := NewClient()
	ack, err := c.Send(context.Background(), Request{
		Endpoint: Endpoint(tmpl, "123:abc", "main"),
		ChatID:   "-100",
		Text:     "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.MessageID != 42 || ack.Status != http.StatusOK {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !strings.Contains(string(ack.Raw), `"message_id":42`) {
		t.Fatalf("raw ack not kept: %s", ack.Raw)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	if got.ChatID != "-100" || got.Text != "hello" || got.ParseMode != "HTML" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSendFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "explicit failure flag", status: http.StatusOK, body: `{"ok":false,"description":"nope"}`},
		{name: "missing ok flag", status: http.StatusOK, body: `{"result":{}}`},
		{name: "non 2xx", status: http.StatusBadRequest, body: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`},
		{name: "non 2xx with ok", status: http.StatusBadGateway, body: `{"ok":true}`},
		{name: "malformed reply", status: http.StatusOK, body: `<html>`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpl := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := NewClient().Send(context.Background(), Request{Endpoint: Endpoint(tmpl, "t", "t"), ChatID: "1", Text: "x"})
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransportError, got %v", err)
			}
			if te.Status != tt.status {
				t.Fatalf("Status = %d, want %d", te.Status, tt.status)
			}
		})
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	tmpl := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	start := time.Now()
	_, err := NewClient().Send(context.Background(), Request{
		Endpoint: Endpoint(tmpl, "t", "t"),
		ChatID:   "1",
		Text:     "x",
		Timeout:  100 * time.Millisecond,
	})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honored")
	}
}

func TestSendErrorHidesToken(t *testing.T) {
	_, err := NewClient().Send(context.Background(), Request{
		Endpoint: Endpoint("http://127.0.0.1:1/bot{bot_id}/sendMessage", "123:SECRET", ""),
		ChatID:   "1",
		Text:     "x",
		Timeout:  200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestInvalidProxy(t *testing.T) {
	_, err := NewClient().Send(context.Background(), Request{Endpoint: "http://example.invalid", Proxy: "::bad::"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
}

func TestEndpointTemplate(t *testing.T) {
	if got := Endpoint("", "B", "A"); got != "https://api.telegram.org/botB/sendMessage" {
		t.Fatalf("default endpoint = %s", got)
	}
	if got := Endpoint("https://relay.example/{main_bot_id}/{bot_id}", "B", "A"); got != "https://relay.example/A/B" {
		t.Fatalf("custom endpoint = %s", got)
	}
}

func TestClientCachesPerProxy(t *testing.T) {
	c := NewClient()
	a, err := c.httpClient("")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.httpClient("")
	p, err := c.httpClient("http://127.0.0.1:7890")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected cached client")
	}
	if a == p {
		t.Fatal("expected distinct client per proxy")
	}
}
