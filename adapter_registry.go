package memwatch

import "sync"

// maxAdapters is the simultaneous-adapter cap from §4.8.
const maxAdapters = 256

// adapterRegistry assigns small, stable IDs to adapter names. Adapters
// are identified by AdapterID, never by a dispatch table inside the
// engine — a language binding layers its own dispatch on top.
type adapterRegistry struct {
	mu      sync.Mutex
	nextID  AdapterID
	byID    map[AdapterID]string
	byName  map[string]AdapterID
	retired map[AdapterID]bool
}

func newAdapterRegistry() *adapterRegistry {
	return &adapterRegistry{
		nextID:  1,
		byID:    make(map[AdapterID]string),
		byName:  make(map[string]AdapterID),
		retired: make(map[AdapterID]bool),
	}
}

// register assigns a new AdapterID to name, or returns the existing one
// if name was already registered and not since unregistered.
func (a *adapterRegistry) register(name string) (AdapterID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byName[name]; ok {
		return id, nil
	}
	if len(a.byID) >= maxAdapters {
		return InvalidAdapterID, NewError(ResourceExhausted, errTooManyAdapters)
	}
	id := a.nextID
	a.nextID++
	a.byID[id] = name
	a.byName[name] = id
	return id, nil
}

// unregister is idempotent: unregistering an unknown or already-retired
// ID is a no-op.
func (a *adapterRegistry) unregister(id AdapterID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	delete(a.byName, name)
	a.retired[id] = true
}

// name returns the registered name for id, if any.
func (a *adapterRegistry) name(id AdapterID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.byID[id]
	return n, ok
}
