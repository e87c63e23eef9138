// Package presence tracks which drivers currently hold a live realtime connection.
//
// The registry is process-local. Every operation is atomic with respect to a
// single driver id; eviction on disconnect is a compare-and-delete on the
// connection id so a late disconnect of an old socket never removes the entry
// installed by a newer reconnection.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"delivtrack/internal/types"
)

var ErrClosed = errors.New("presence registry closed")

type Entry struct {
	DriverID     types.ID
	ConnectionID types.ID
	LastSeenAt   time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[types.ID]Entry
	closed  bool
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[types.ID]Entry),
		now:     time.Now,
	}
}

// Join installs connID as the live connection for driverID. A previous entry
// held by another connection is overwritten and returned.
func (r *Registry) Join(driverID, connID types.ID) (prev Entry, replaced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Entry{}, false, ErrClosed
	}
	prev, replaced = r.entries[driverID]
	if replaced && prev.ConnectionID == connID {
		replaced = false
	}
	r.entries[driverID] = Entry{DriverID: driverID, ConnectionID: connID, LastSeenAt: r.now()}
	return prev, replaced, nil
}

// Touch refreshes lastSeenAt for driverID. If the driver has no entry (its
// newer connection already left) the entry is reinstalled for connID, since
// the driver is demonstrably reachable on it.
func (r *Registry) Touch(driverID, connID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e, ok := r.entries[driverID]
	if !ok {
		e = Entry{DriverID: driverID, ConnectionID: connID}
	}
	e.LastSeenAt = r.now()
	r.entries[driverID] = e
}

// Leave removes the entry for driverID only if it still belongs to connID.
func (r *Registry) Leave(driverID, connID types.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[driverID]
	if !ok || e.ConnectionID != connID {
		return false
	}
	delete(r.entries, driverID)
	return true
}

func (r *Registry) Get(driverID types.ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[driverID]
	return e, ok
}

func (r *Registry) IsOnline(driverID types.ID) bool {
	_, ok := r.Get(driverID)
	return ok
}

// Snapshot returns a copy of all entries ordered by driver id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func (r *Registry) OnlineDriverIDs() []types.ID {
	snap := r.Snapshot()
	ids := make([]types.ID, len(snap))
	for i, e := range snap {
		ids[i] = e.DriverID
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close drops every entry and rejects further joins.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.entries = make(map[types.ID]Entry)
}
