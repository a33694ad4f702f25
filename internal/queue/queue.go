// Package queue is the durable FIFO of notifications awaiting redelivery.
//
// Every read-modify-write of the persisted list happens under one mutex.
// Drain claims items under the lock, delivers them with the lock released,
// then reconciles against the list as it is at that point, so records
// enqueued while a drain is in flight are never overwritten.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"

	"github.com/google/uuid"
)

var ErrNoStore = errors.New("queue: no storage")

// DeliverFunc attempts delivery of one pending record.
// A nil error means every chunk was accepted.
type DeliverFunc func(ctx context.Context, r storage.PendingRecord) error

// Result summarizes one drain pass.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
	Pending   int // queue length after reconcile
}

type Store struct {
	mu       sync.Mutex
	st       storage.Store
	log      logx.Logger
	inflight map[string]struct{}
}

func New(st storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{st: st, log: log, inflight: map[string]struct{}{}}
}

// Enqueue appends r to the back of the queue and returns the new length.
// An empty r.ID is replaced by a fresh uuid.
func (q *Store) Enqueue(ctx context.Context, r storage.PendingRecord) (int, error) {
	if q == nil || q.st == nil {
		return 0, ErrNoStore
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.st.AppendPending(ctx, r); err != nil {
		return 0, fmt.Errorf("append pending: %w", err)
	}
	rs, err := q.st.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	return len(rs), nil
}

// Count returns the queue length, including records claimed by a drain.
func (q *Store) Count(ctx context.Context) (int, error) {
	rs, err := q.List(ctx)
	return len(rs), err
}

// List returns a copy of the queue in order.
func (q *Store) List(ctx context.Context) ([]storage.PendingRecord, error) {
	if q == nil || q.st == nil {
		return nil, ErrNoStore
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rs, err := q.st.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return rs, nil
}

// Drain attempts delivery of up to limit records from the front of the queue
// (limit <= 0 means all of them). Records already claimed by another drain
// are skipped. Delivered records are removed; failed ones move to the back
// in their relative order. Records not attempted because ctx ended keep
// their place.
func (q *Store) Drain(ctx context.Context, limit int, deliver DeliverFunc) (Result, error) {
	if q == nil || q.st == nil {
		return Result{}, ErrNoStore
	}
	if ctx == nil {
		ctx = context.Background()
	}

	claimed, pending, err := q.claim(ctx, limit)
	if err != nil || len(claimed) == 0 {
		return Result{Pending: pending}, err
	}
	defer q.release(claimed)

	var res Result
	delivered := make(map[string]struct{}, len(claimed))
	failed := make(map[string]struct{}, len(claimed))
	for _, r := range claimed {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if err := deliver(ctx, r); err != nil {
			failed[r.ID] = struct{}{}
			res.Failed++
			q.log.Debug("redelivery failed", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		delivered[r.ID] = struct{}{}
		res.Delivered++
	}

	n, err := q.reconcile(ctx, delivered, failed)
	res.Pending = n
	return res, err
}

func (q *Store) claim(ctx context.Context, limit int) ([]storage.PendingRecord, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rs, err := q.st.LoadPending(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load pending: %w", err)
	}

	// Records written by older versions may lack an id.
	assigned := false
	for i := range rs {
		if rs[i].ID == "" {
			rs[i].ID = uuid.NewString()
			assigned = true
		}
	}
	if assigned {
		if err := q.st.ReplacePending(ctx, rs); err != nil {
			return nil, len(rs), fmt.Errorf("replace pending: %w", err)
		}
	}

	var out []storage.PendingRecord
	for _, r := range rs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if _, busy := q.inflight[r.ID]; busy {
			continue
		}
		q.inflight[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, len(rs), nil
}

func (q *Store) release(claimed []storage.PendingRecord) {
	q.mu.Lock()
	for _, r := range claimed {
		delete(q.inflight, r.ID)
	}
	q.mu.Unlock()
}

func (q *Store) reconcile(ctx context.Context, delivered, failed map[string]struct{}) (int, error) {
	// The list must be rewritten even if the caller's ctx ended mid-drain.
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	rs, err := q.st.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	keep := make([]storage.PendingRecord, 0, len(rs))
	var back []storage.PendingRecord
	for _, r := range rs {
		if _, ok := delivered[r.ID]; ok {
			continue
		}
		if _, ok := failed[r.ID]; ok {
			back = append(back, r)
			continue
		}
		keep = append(keep, r)
	}
	keep = append(keep, back...)
	if len(delivered) == 0 && len(back) == 0 {
		return len(keep), nil
	}
	if err := q.st.ReplacePending(ctx, keep); err != nil {
		return len(rs), fmt.Errorf("replace pending: %w", err)
	}
	return len(keep), nil
}
