// README: Order aggregate, status definitions and the transition table.
package order

import (
	"time"

	"delivtrack/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	Address       string
	Location      types.Point
	Notes         string
	AssignedAt    *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AssignedTo reports whether driverID is the order's driver.
func (o *Order) AssignedTo(driverID types.ID) bool {
	return o.DriverID != nil && *o.DriverID == driverID
}

// Actor is whoever requested a transition.
type Actor struct {
	ID   types.ID
	Role types.Role
}

const actorSystem types.Role = "system"

type Event struct {
	ID         int64
	OrderID    types.ID
	CustomerID types.ID
	DriverID   *types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  types.Role
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Transition is a compare-and-set request: it applies only while the stored
// order is still at From/Version.
type Transition struct {
	OrderID  types.ID
	From     Status
	To       Status
	Version  int
	DriverID *types.ID
	At       time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	CustomerID *types.ID
	DriverID   *types.ID
	Statuses   []Status
}

// AllowedTransitions represents the order state flow as code. Cancellation
// after pickup has started is not allowed.
var AllowedTransitions = map[Status][]Status{
	StatusNone:       {StatusPending},
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
