// README: Order service implements state transitions, audit events and assignment pushes.
package order

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"delivtrack/internal/modules/notify"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrForbidden         = errors.New("not allowed to act on this order")
	ErrDriverNotFound    = errors.New("driver not found or inactive")
	ErrBadRequest        = errors.New("bad request")
)

const pushTimeout = 5 * time.Second

// DriverDirectory resolves drivers and drops push tokens that FCM rejected.
type DriverDirectory interface {
	Get(ctx context.Context, id types.ID) (*user.User, error)
	ClearPushToken(ctx context.Context, id types.ID, token string) (bool, error)
}

// EventPublisher forwards committed transitions to downstream consumers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, e Event) error
}

type Deps struct {
	Store     Repository
	Drivers   DriverDirectory
	Notifier  notify.Dispatcher
	Publisher EventPublisher
	Log       *slog.Logger
}

type Service struct {
	store     Repository
	drivers   DriverDirectory
	notifier  notify.Dispatcher
	publisher EventPublisher
	log       *slog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     d.Store,
		drivers:   d.Drivers,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		log:       log.With("component", "order"),
		now:       time.Now,
	}
}

type CreateCommand struct {
	CustomerID types.ID
	Address    string
	Location   types.Point
	Notes      string
}

type AssignCommand struct {
	OrderID  types.ID
	DriverID types.ID
	Actor    Actor
}

type StartCommand struct {
	OrderID  types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	OrderID  types.ID
	DriverID types.ID
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" || strings.TrimSpace(cmd.Address) == "" || !cmd.Location.Valid() {
		return nil, ErrBadRequest
	}
	now := s.now().UTC()
	o := &Order{
		ID:            types.ID(uuid.NewString()),
		CustomerID:    cmd.CustomerID,
		Status:        StatusPending,
		StatusVersion: 0,
		Address:       strings.TrimSpace(cmd.Address),
		Location:      cmd.Location,
		Notes:         cmd.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	customer := cmd.CustomerID
	s.record(ctx, Event{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorRole:  types.RoleCustomer,
		ActorID:    &customer,
		CreatedAt:  now,
	})
	s.log.InfoContext(ctx, "order created", "order_id", o.ID, "customer_id", o.CustomerID)
	return o, nil
}

// Assign moves a pending order to assigned and notifies the driver. The push
// outcome never changes the result of the assignment.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) (*Order, error) {
	if cmd.OrderID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	driver, err := s.drivers.Get(ctx, cmd.DriverID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, err
	}
	if !driver.IsActiveDriver() {
		return nil, ErrDriverNotFound
	}

	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	driverID := cmd.DriverID
	updated, err := s.transition(ctx, o, StatusAssigned, &driverID, cmd.Actor)
	if err != nil {
		return nil, err
	}
	s.notifyAssigned(ctx, driver, updated)
	return updated, nil
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, o, StatusInProgress, nil, Actor{ID: cmd.DriverID, Role: types.RoleDriver})
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, o, StatusCompleted, nil, Actor{ID: cmd.DriverID, Role: types.RoleDriver})
}

// Cancel is open to admins for any order and to customers for their own.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	switch cmd.Actor.Role {
	case types.RoleAdmin:
	case types.RoleCustomer:
		if o.CustomerID != cmd.Actor.ID {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrForbidden
	}
	return s.transition(ctx, o, StatusCancelled, nil, cmd.Actor)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns the orders visible to actor: customers see their own, drivers
// the ones assigned to them, admins everything.
func (s *Service) List(ctx context.Context, actor Actor) ([]Order, error) {
	var f Filter
	switch actor.Role {
	case types.RoleAdmin:
	case types.RoleCustomer:
		id := actor.ID
		f.CustomerID = &id
	case types.RoleDriver:
		id := actor.ID
		f.DriverID = &id
	default:
		return nil, ErrForbidden
	}
	return s.store.List(ctx, f)
}

func (s *Service) ListActiveByDriver(ctx context.Context, driverID types.ID) ([]Order, error) {
	return s.store.List(ctx, Filter{DriverID: &driverID, Statuses: []Status{StatusAssigned, StatusInProgress}})
}

// ListInProgressByDriver reads live store state; location routing depends on it.
func (s *Service) ListInProgressByDriver(ctx context.Context, driverID types.ID) ([]Order, error) {
	return s.store.List(ctx, Filter{DriverID: &driverID, Statuses: []Status{StatusInProgress}})
}

func (s *Service) transition(ctx context.Context, o *Order, to Status, driverID *types.ID, actor Actor) (*Order, error) {
	if !CanTransition(o.Status, to) {
		return nil, ErrInvalidTransition
	}
	now := s.now().UTC()
	ok, err := s.store.Transition(ctx, Transition{
		OrderID:  o.ID,
		From:     o.Status,
		To:       to,
		Version:  o.StatusVersion,
		DriverID: driverID,
		At:       now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost the compare-and-set to a concurrent transition
		return nil, ErrInvalidTransition
	}

	updated, err := s.store.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	var actorID *types.ID
	if actor.ID != "" {
		id := actor.ID
		actorID = &id
	}
	role := actor.Role
	if role == "" {
		role = actorSystem
	}
	s.record(ctx, Event{
		OrderID:    updated.ID,
		CustomerID: updated.CustomerID,
		DriverID:   updated.DriverID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorRole:  role,
		ActorID:    actorID,
		CreatedAt:  now,
	})
	s.log.InfoContext(ctx, "order transitioned", "order_id", o.ID, "from", o.Status, "to", to, "actor_role", role)
	return updated, nil
}

// record appends the audit row and publishes it. Both are best effort.
func (s *Service) record(ctx context.Context, e Event) {
	if err := s.store.AppendEvent(ctx, &e); err != nil {
		s.log.ErrorContext(ctx, "append order event failed", "order_id", e.OrderID, "to", e.ToStatus, "error", err)
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishOrderEvent(ctx, e); err != nil {
		s.log.WarnContext(ctx, "publish order event failed", "order_id", e.OrderID, "to", e.ToStatus, "error", err)
	}
}

func (s *Service) notifyAssigned(ctx context.Context, driver *user.User, o *Order) {
	if s.notifier == nil {
		return
	}
	if driver.PushToken == nil || *driver.PushToken == "" {
		s.log.InfoContext(ctx, "driver has no push token", "driver_id", driver.ID, "order_id", o.ID)
		return
	}
	token := *driver.PushToken
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()

	err := s.notifier.Send(pushCtx, token, AssignmentMessage(o))
	if err == nil {
		return
	}
	s.log.WarnContext(ctx, "assignment push failed", "driver_id", driver.ID, "order_id", o.ID, "error", err)
	if !errors.Is(err, notify.ErrTokenInvalid) {
		return
	}
	cleared, err := s.drivers.ClearPushToken(pushCtx, driver.ID, token)
	if err != nil {
		s.log.ErrorContext(ctx, "clear invalid push token failed", "driver_id", driver.ID, "error", err)
		return
	}
	if cleared {
		s.log.InfoContext(ctx, "invalid push token cleared", "driver_id", driver.ID)
	}
}

// AssignmentMessage is the push payload sent to a driver on assignment.
func AssignmentMessage(o *Order) notify.Message {
	short := string(o.ID)
	if len(short) > 6 {
		short = short[len(short)-6:]
	}
	return notify.Message{
		Title: "New Delivery Assigned",
		Body:  "Order #" + short + " has been assigned to you",
		Data: map[string]string{
			"orderId": string(o.ID),
			"type":    "order_assigned",
		},
	}
}
