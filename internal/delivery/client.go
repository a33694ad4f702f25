// Package delivery sends one message chunk to the Telegram Bot API.
//
// A send succeeds only when the API answers 2xx and the reply carries
// "ok": true. Everything else is a *TransportError; nothing is retried here.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultEndpoint is the sendMessage URL template.
	// {bot_id} is replaced by the destination bot token, {main_bot_id} by the
	// primary bot token of the routing rule.
	DefaultEndpoint = "https://api.telegram.org/bot{bot_id}/sendMessage"

	DefaultTimeout = 2 * time.Second

	maxReplyBytes = 1 << 20
)

// Request is one chunk to deliver.
type Request struct {
	Endpoint string // fully expanded URL, see Endpoint()
	ChatID   string
	Text     string
	Proxy    string // optional http(s)/socks5 proxy URL
	Timeout  time.Duration
}

// Ack is the API acknowledgement of a successful send.
type Ack struct {
	Status    int
	MessageID int
	Raw       json.RawMessage
}

// Sender is implemented by Client; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, req Request) (Ack, error)
}

// TransportError describes a failed send.
// Status is 0 when no HTTP response was received.
type TransportError struct {
	Status      int
	Code        int
	Description string
	Err         error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("telegram send failed: http=%d: %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("telegram send failed: %v", e.Err)
	case e.Description != "":
		return fmt.Sprintf("telegram send failed: %s (code=%d http=%d)", e.Description, e.Code, e.Status)
	default:
		return fmt.Sprintf("telegram send failed: http=%d", e.Status)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

var ErrNotOK = errors.New("reply without ok=true")

// Endpoint expands an endpoint template. An empty template means DefaultEndpoint.
func Endpoint(template, botID, mainBotID string) string {
	t := strings.TrimSpace(template)
	if t == "" {
		t = DefaultEndpoint
	}
	return strings.NewReplacer("{bot_id}", botID, "{main_bot_id}", mainBotID).Replace(t)
}

// Client keeps one http.Client per proxy setting.
type Client struct {
	mu      sync.Mutex
	clients map[string]*http.Client

	// transport is cloned for every proxy; nil means http.DefaultTransport.
	transport *http.Transport
}

func NewClient() *Client {
	return &Client{clients: map[string]*http.Client{}}
}

type sendPayload struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiReply struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
}

func (c *Client) Send(ctx context.Context, req Request) (Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	hc, err := c.httpClient(req.Proxy)
	if err != nil {
		return Ack{}, &TransportError{Err: err}
	}

	b, err := json.Marshal(sendPayload{
		ChatID:    req.ChatID,
		Text:      req.Text,
		ParseMode: "HTML",
	})
	if err != nil {
		return Ack{}, &TransportError{Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(cctx, http.MethodPost, req.Endpoint, bytes.NewReader(b))
	if err != nil {
		return Ack{}, &TransportError{Err: stripURL(err)}
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(hreq)
	if err != nil {
		return Ack{}, &TransportError{Err: stripURL(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Ack{}, &TransportError{Status: resp.StatusCode, Err: err}
	}

	var out apiReply
	if err := json.Unmarshal(raw, &out); err != nil {
		return Ack{}, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if resp.StatusCode/100 != 2 || !out.OK {
		te := &TransportError{Status: resp.StatusCode, Code: out.ErrorCode, Description: out.Description}
		if te.Description == "" && resp.StatusCode/100 == 2 {
			te.Err = ErrNotOK
		}
		return Ack{}, te
	}

	return Ack{Status: resp.StatusCode, MessageID: out.Result.MessageID, Raw: json.RawMessage(raw)}, nil
}

func (c *Client) httpClient(proxy string) (*http.Client, error) {
	proxy = strings.TrimSpace(proxy)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients == nil {
		c.clients = map[string]*http.Client{}
	}
	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}

	var tr *http.Transport
	if c.transport != nil {
		tr = c.transport.Clone()
	} else if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		tr = dt.Clone()
	} else {
		tr = &http.Transport{}
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", proxy)
		}
		tr.Proxy = http.ProxyURL(u)
	}

	hc := &http.Client{Transport: tr}
	c.clients[proxy] = hc
	return hc, nil
}

// stripURL drops the request URL from *url.Error; it embeds the bot token.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", strings.ToLower(ue.Op), ue.Err)
	}
	return err
}
