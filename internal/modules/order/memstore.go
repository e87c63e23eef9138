// README: In-memory Repository with the same compare-and-set semantics as Store.
package order

import (
	"context"
	"sort"
	"sync"

	"delivtrack/internal/types"
)

// MemStore keeps orders in process memory.
type MemStore struct {
	mu     sync.Mutex
	orders map[types.ID]Order
	events []Event
}

func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[types.ID]Order)}
}

func (m *MemStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (m *MemStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (m *MemStore) Transition(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[t.OrderID]
	if !ok || o.Status != t.From || o.StatusVersion != t.Version {
		return false, nil
	}
	o.Status = t.To
	o.StatusVersion++
	if t.DriverID != nil {
		d := *t.DriverID
		o.DriverID = &d
	}
	at := t.At
	switch t.To {
	case StatusAssigned:
		if o.AssignedAt == nil {
			o.AssignedAt = &at
		}
	case StatusInProgress:
		if o.StartedAt == nil {
			o.StartedAt = &at
		}
	case StatusCompleted:
		if o.CompletedAt == nil {
			o.CompletedAt = &at
		}
	case StatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &at
		}
	}
	o.UpdatedAt = at
	m.orders[o.ID] = o
	return true, nil
}

func (m *MemStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *e)
	return nil
}

func (m *MemStore) List(_ context.Context, f Filter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Order{}
	for _, o := range m.orders {
		if f.CustomerID != nil && o.CustomerID != *f.CustomerID {
			continue
		}
		if f.DriverID != nil && !o.AssignedTo(*f.DriverID) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Events returns the recorded audit trail.
func (m *MemStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneOrder(o Order) Order {
	c := o
	if o.DriverID != nil {
		d := *o.DriverID
		c.DriverID = &d
	}
	c.AssignedAt = cloneTime(o.AssignedAt)
	c.StartedAt = cloneTime(o.StartedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return c
}

func cloneTime[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
