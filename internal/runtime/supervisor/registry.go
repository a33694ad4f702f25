package supervisor

import (
	"sort"
	"sync"
)

// Registry is a thread-safe name -> supervisor map used for operational
// visibility (/status, logs on shutdown).
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers (or replaces) a supervisor under name. A nil sup deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshots returns the task stats of every registered supervisor.
func (r *Registry) Snapshots() map[string]Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sups := make(map[string]*Supervisor, len(r.m))
	for k, v := range r.m {
		sups[k] = v
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(sups))
	for k, s := range sups {
		out[k] = s.Snapshot()
	}
	return out
}
