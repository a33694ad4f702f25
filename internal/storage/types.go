package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "file" (default), "sqlite", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the queue and the dispatcher.
//
// Pending records form one ordered list: AppendPending adds to the back,
// ReplacePending swaps the whole list, LoadPending returns it in order.
// Callers serialize read-modify-write cycles themselves (see queue.Store).
type Store interface {
	AppendPending(ctx context.Context, r PendingRecord) error
	ReplacePending(ctx context.Context, rs []PendingRecord) error
	LoadPending(ctx context.Context) ([]PendingRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// PendingRecord is a notification waiting for redelivery.
// JSON names follow the intake parameters.
type PendingRecord struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"bot_id"`
	ChatID     string    `json:"chat_id"`
	Title      string    `json:"title"`
	Body       string    `json:"desp,omitempty"`
	Link       string    `json:"url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type AuditStream string

const (
	AuditInbound  AuditStream = "inbound"
	AuditOutbound AuditStream = "outbound"
)

// AuditEntry is one append-only audit record.
// Endpoint must already be redacted by the caller.
type AuditEntry struct {
	At       time.Time       `json:"at"`
	Stream   AuditStream     `json:"stream"`
	ID       string          `json:"id,omitempty"`
	Endpoint string          `json:"endpoint,omitempty"`
	ChatID   string          `json:"chat_id,omitempty"`
	OK       bool            `json:"ok"`
	Error    string          `json:"err,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Bucket is the rolling time bucket an audit entry belongs to.
func (e AuditEntry) Bucket() string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return at.Format("2006-01-02")
}
