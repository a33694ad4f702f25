package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Store. It is not durable.
type Memory struct {
	mu      sync.Mutex
	pending []PendingRecord
	audit   []AuditEntry
	closed  bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) AppendPending(ctx context.Context, r PendingRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending = append(m.pending, r)
	return nil
}

func (m *Memory) ReplacePending(ctx context.Context, rs []PendingRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending = append([]PendingRecord(nil), rs...)
	return nil
}

func (m *Memory) LoadPending(ctx context.Context) ([]PendingRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]PendingRecord(nil), m.pending...), nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
