package calling

import "sync"

// Registry indexes calls by their temporary tag or permanent call id. A call
// is reachable under at most one key at any time and every mutation that
// moves a call between keys happens inside a single critical section.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Insert adds call under key unless the key is taken. It reports whether
// the call was inserted.
func (r *Registry) Insert(key string, call *Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[key]; ok {
		return false
	}
	r.calls[key] = call
	return true
}

// Lookup returns the call stored under key.
func (r *Registry) Lookup(key string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[key]
	return c, ok
}

// Remove deletes key. Removing an absent key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
}

// removeCall deletes whichever key currently maps to call.
func (r *Registry) removeCall(call *Call) {
	key := call.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[key] == call {
		delete(r.calls, key)
	}
}

// ReconcileOrCreate resolves the call for permKey. When tempKey names a
// call that is still pending, that call is moved to permKey and takes the
// permanent identity. Otherwise the existing call at permKey is returned, or
// factory builds a new one. created is true only in the last case, so the
// caller fires "call created" observers exactly once per call.
//
// factory runs under the registry lock and must not call back into it.
func (r *Registry) ReconcileOrCreate(tempKey, permKey, nodeID string, factory func() *Call) (call *Call, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var carried *Call
	if tempKey != "" {
		if c, ok := r.calls[tempKey]; ok {
			delete(r.calls, tempKey)
			carried = c
		}
	}

	if existing, ok := r.calls[permKey]; ok {
		return existing, false
	}
	if carried != nil {
		carried.promote(permKey, nodeID)
		r.calls[permKey] = carried
		return carried, false
	}
	c := factory()
	r.calls[permKey] = c
	return c, true
}

// Len returns the number of tracked calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Calls returns every tracked call.
func (r *Registry) Calls() []*Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// Reset drops every call.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]*Call)
}
