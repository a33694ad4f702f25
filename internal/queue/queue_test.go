package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

var errSend = errors.New("send failed")

func fill(t *testing.T, q *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(context.Background(), storage.PendingRecord{ID: fmt.Sprintf("n%d", i), Title: "t"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func ids(t *testing.T, q *Store) []string {
	t.Helper()
	rs, err := q.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConcurrentEnqueueKeepsBoth(t *testing.T) {
	for _, driver := range []string{"memory", "file"} {
		t.Run(driver, func(t *testing.T) {
			st, err := storage.Open(storage.Config{Driver: driver, Path: t.TempDir() + "/q"}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()
			q := New(st, logx.Nop())

			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = q.Enqueue(context.Background(), storage.PendingRecord{Title: "x"})
				}()
			}
			wg.Wait()
			if n, _ := q.Count(context.Background()); n != 2 {
				t.Fatalf("Count = %d, want 2", n)
			}
		})
	}
}

func TestDrainBatch(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		limit int
		fail  map[string]bool
		want  []string
		res   Result
	}{
		{
			name:  "all succeed",
			n:     5,
			limit: 3,
			want:  []string{"n3", "n4"},
			res:   Result{Attempted: 3, Delivered: 3, Pending: 2},
		},
		{
			name:  "batch larger than queue",
			n:     2,
			limit: 10,
			want:  []string{},
			res:   Result{Attempted: 2, Delivered: 2},
		},
		{
			name:  "failures move to the back",
			n:     5,
			limit: 3,
			fail:  map[string]bool{"n0": true, "n2": true},
			want:  []string{"n3", "n4", "n0", "n2"},
			res:   Result{Attempted: 3, Delivered: 1, Failed: 2, Pending: 4},
		},
		{
			name:  "unbounded",
			n:     4,
			limit: 0,
			fail:  map[string]bool{"n1": true},
			want:  []string{"n1"},
			res:   Result{Attempted: 4, Delivered: 3, Failed: 1, Pending: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(storage.NewMemory(), logx.Nop())
			fill(t, q, tt.n)
			res, err := q.Drain(context.Background(), tt.limit, func(_ context.Context, r storage.PendingRecord) error {
				if tt.fail[r.ID] {
					return errSend
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if res != tt.res {
				t.Fatalf("result = %+v, want %+v", res, tt.res)
			}
			if got := ids(t, q); !equal(got, tt.want) {
				t.Fatalf("queue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDrainKeepsRecordsEnqueuedMeanwhile(t *testing.T) {
	q := New(storage.NewMemory(), logx.Nop())
	fill(t, q, 2)

	_, err := q.Drain(context.Background(), 0, func(ctx context.Context, r storage.PendingRecord) error {
		if r.ID == "n0" {
			if _, err := q.Enqueue(ctx, storage.PendingRecord{ID: "late"}); err != nil {
				t.Errorf("Enqueue during drain: %v", err)
			}
			return errSend
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := ids(t, q); !equal(got, []string{"late", "n0"}) {
		t.Fatalf("queue = %v", got)
	}
}

func TestConcurrentDrainsSkipClaimed(t *testing.T) {
	q := New(storage.NewMemory(), logx.Nop())
	fill(t, q, 3)

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	inner := make(chan Result, 1)
	_, err := q.Drain(context.Background(), 1, func(ctx context.Context, r storage.PendingRecord) error {
		mu.Lock()
		calls[r.ID]++
		mu.Unlock()
		// A second drain while n0 is claimed must start at n1.
		res, err := q.Drain(ctx, 1, func(_ context.Context, r2 storage.PendingRecord) error {
			mu.Lock()
			calls[r2.ID]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Errorf("inner Drain: %v", err)
		}
		inner <- res
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res := <-inner; res.Delivered != 1 {
		t.Fatalf("inner result = %+v", res)
	}
	if calls["n0"] != 1 || calls["n1"] != 1 || calls["n2"] != 0 {
		t.Fatalf("calls = %v", calls)
	}
	if got := ids(t, q); !equal(got, []string{"n2"}) {
		t.Fatalf("queue = %v", got)
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	q := New(storage.NewMemory(), logx.Nop())
	fill(t, q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := q.Drain(ctx, 0, func(_ context.Context, r storage.PendingRecord) error {
		cancel()
		return errSend
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Attempted != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := ids(t, q); !equal(got, []string{"n1", "n2", "n0"}) {
		t.Fatalf("queue = %v", got)
	}
}

func TestDrainAssignsMissingIDs(t *testing.T) {
	st := storage.NewMemory()
	_ = st.ReplacePending(context.Background(), []storage.PendingRecord{{Title: "a"}, {Title: "b"}})
	q := New(st, logx.Nop())

	res, err := q.Drain(context.Background(), 1, func(context.Context, storage.PendingRecord) error { return errSend })
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Pending != 2 {
		t.Fatalf("result = %+v", res)
	}
	rs, _ := q.List(context.Background())
	if rs[0].Title != "b" || rs[1].Title != "a" {
		t.Fatalf("queue order = %q, %q", rs[0].Title, rs[1].Title)
	}
	if rs[0].ID == "" || rs[1].ID == "" {
		t.Fatal("ids not assigned")
	}
}

func TestNilStore(t *testing.T) {
	q := New(nil, logx.Nop())
	if _, err := q.Enqueue(context.Background(), storage.PendingRecord{}); !errors.Is(err, ErrNoStore) {
		t.Fatalf("err = %v", err)
	}
}
