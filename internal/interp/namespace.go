package interp

import "sync"

// Namespace holds the variables that persist across cell executions.
// It survives for the lifetime of the worker process: values assigned by one
// cell are visible to every later cell until the kernel is reset.
type Namespace struct {
	mu   sync.Mutex
	vars map[string]any
}

// NewNamespace creates a namespace seeded with the session globals.
func NewNamespace() *Namespace {
	ns := &Namespace{}
	ns.Reset()
	return ns
}

// Get returns the value bound to name, and whether the binding exists.
func (ns *Namespace) Get(name string) (any, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.vars[name]
	return v, ok
}

// Set binds name to value, replacing any previous binding.
func (ns *Namespace) Set(name string, value any) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.vars[name] = value
}

// Has reports whether name is bound.
func (ns *Namespace) Has(name string) bool {
	_, ok := ns.Get(name)
	return ok
}

// Len returns the number of bindings, session globals included.
func (ns *Namespace) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.vars)
}

// Reset drops every binding and restores the seed globals.
func (ns *Namespace) Reset() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.vars = map[string]any{
		"__name__": "__main__",
	}
}

// Snapshot copies the current bindings into a fresh map, used to build the
// evaluation environment of a cell.
func (ns *Namespace) Snapshot() map[string]any {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make(map[string]any, len(ns.vars))
	for k, v := range ns.vars {
		out[k] = v
	}
	return out
}
