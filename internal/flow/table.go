package flow

import "sync"

// TCPTable is the concurrency-safe map of active TCP flows shared between
// the demultiplexer (inserts, reads) and flow tasks (self-removal),
// per spec.md §5.
type TCPTable struct {
	mu    sync.RWMutex
	flows map[TCPKey]*TCPFlow
}

// NewTCPTable returns an empty table.
func NewTCPTable() *TCPTable {
	return &TCPTable{flows: make(map[TCPKey]*TCPFlow)}
}

// Get returns the flow for key, if any.
func (t *TCPTable) Get(key TCPKey) (*TCPFlow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.flows[key]
	return f, ok
}

// Insert adds a flow under key, replacing any existing entry.
func (t *TCPTable) Insert(key TCPKey, f *TCPFlow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows[key] = f
}

// Remove deletes the flow under key, if present. Safe to call while
// another goroutine iterates via Snapshot.
func (t *TCPTable) Remove(key TCPKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}

// Snapshot returns a point-in-time copy of all flows, safe to range over
// without holding the table lock (used by Supervisor.Stop to close every
// flow).
func (t *TCPTable) Snapshot() []*TCPFlow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*TCPFlow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f)
	}
	return out
}

// Len returns the number of active flows.
func (t *TCPTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}
