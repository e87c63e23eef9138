// README: Location broadcaster: validate a driver report, refresh presence, persist, fan out.
package location

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"delivtrack/internal/modules/order"
	"delivtrack/internal/realtime/hub"
	"delivtrack/internal/types"
)

var (
	ErrUnauthorized   = errors.New("driver id does not match the connection")
	ErrInvalidPayload = errors.New("missing or invalid coordinates")
	ErrRouting        = errors.New("location routing failed")
)

const defaultSaveTimeout = 5 * time.Second

// ClientMessage is the text sent back to the driver in an error event.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrInvalidPayload):
		return "Missing location data"
	default:
		return "Failed to update location"
	}
}

type Presence interface {
	Touch(driverID, connID types.ID)
}

type OrderLookup interface {
	ListInProgressByDriver(ctx context.Context, driverID types.ID) ([]order.Order, error)
}

type Publisher interface {
	Publish(channel, eventType string, data any) int
}

type Saver interface {
	SaveCurrent(ctx context.Context, driverID types.ID, p types.Point, at time.Time) error
}

type BroadcasterDeps struct {
	Presence    Presence
	Orders      OrderLookup
	Store       Saver
	Publisher   Publisher
	Log         *slog.Logger
	SaveTimeout time.Duration
}

// Broadcaster delivers location samples at most once: nothing is retried or
// acknowledged, and slow recipients only ever see the latest position.
type Broadcaster struct {
	presence    Presence
	orders      OrderLookup
	store       Saver
	pub         Publisher
	log         *slog.Logger
	saveTimeout time.Duration
	saves       sync.WaitGroup
	now         func() time.Time
}

func NewBroadcaster(d BroadcasterDeps) *Broadcaster {
	timeout := d.SaveTimeout
	if timeout <= 0 {
		timeout = defaultSaveTimeout
	}
	return &Broadcaster{
		presence:    d.Presence,
		orders:      d.Orders,
		store:       d.Store,
		pub:         d.Publisher,
		log:         d.Log.With("component", "location"),
		saveTimeout: timeout,
		now:         time.Now,
	}
}

// Submit handles one driverLocation report from sess. Validation failures
// produce no broadcast. A failed order lookup still reaches admins and is
// returned as ErrRouting.
func (b *Broadcaster) Submit(ctx context.Context, sess Session, r Report) error {
	if claimed, ok := parseID(r.DriverID); !ok || claimed != sess.DriverID {
		b.log.WarnContext(ctx, "driver location rejected, id mismatch",
			"driver_id", sess.DriverID, "provided_driver_id", string(r.DriverID), "connection_id", sess.ConnectionID)
		return ErrUnauthorized
	}
	sample, err := parseSample(sess.DriverID, r, b.now().UTC())
	if err != nil {
		b.log.WarnContext(ctx, "driver location rejected, bad coordinates", "driver_id", sess.DriverID, "error", err)
		return err
	}

	b.presence.Touch(sess.DriverID, sess.ConnectionID)
	b.persist(ctx, sample)

	update := Update{
		DriverID:  sample.DriverID,
		Lat:       sample.Point.Lat,
		Lng:       sample.Point.Lng,
		OrderID:   sample.OrderID,
		Timestamp: sample.Timestamp.Format(time.RFC3339),
	}

	orders, lookupErr := b.orders.ListInProgressByDriver(ctx, sample.DriverID)
	customers := 0
	if lookupErr == nil {
		seen := make(map[types.ID]struct{}, len(orders))
		for _, o := range orders {
			if _, dup := seen[o.CustomerID]; dup {
				continue
			}
			seen[o.CustomerID] = struct{}{}
			b.pub.Publish(hub.CustomerChannel(o.CustomerID), EventDriverLocationUpdate, update)
			customers++
		}
	}
	admins := b.pub.Publish(hub.AdminChannel, EventDriverLocationAdminUpdate, update)

	if lookupErr != nil {
		b.log.ErrorContext(ctx, "in-progress order lookup failed", "driver_id", sample.DriverID, "error", lookupErr)
		return fmt.Errorf("%w: %v", ErrRouting, lookupErr)
	}
	b.log.DebugContext(ctx, "driver location broadcast",
		"driver_id", sample.DriverID, "active_orders", len(orders), "customer_channels", customers, "admin_recipients", admins)
	return nil
}

// Wait blocks until in-flight position writes have finished.
func (b *Broadcaster) Wait() {
	b.saves.Wait()
}

func (b *Broadcaster) persist(ctx context.Context, s Sample) {
	b.saves.Add(1)
	go func() {
		defer b.saves.Done()
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.saveTimeout)
		defer cancel()
		if err := b.store.SaveCurrent(saveCtx, s.DriverID, s.Point, s.Timestamp); err != nil {
			b.log.ErrorContext(saveCtx, "persist driver location failed", "driver_id", s.DriverID, "error", err)
		}
	}()
}

func parseSample(driverID types.ID, r Report, at time.Time) (Sample, error) {
	lat, err := parseCoordinate(r.Lat)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: lat: %v", ErrInvalidPayload, err)
	}
	lng, err := parseCoordinate(r.Lng)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: lng: %v", ErrInvalidPayload, err)
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return Sample{}, fmt.Errorf("%w: out of range", ErrInvalidPayload)
	}
	var orderID *types.ID
	if !isAbsent(r.OrderID) {
		id, ok := parseID(r.OrderID)
		if !ok {
			return Sample{}, fmt.Errorf("%w: orderId must be a string", ErrInvalidPayload)
		}
		orderID = &id
	}
	return Sample{DriverID: driverID, Point: p, OrderID: orderID, Timestamp: at}, nil
}

// parseID accepts only a non-empty JSON string.
func parseID(raw json.RawMessage) (types.ID, bool) {
	if isAbsent(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return types.ID(s), true
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseCoordinate(raw json.RawMessage) (float64, error) {
	if isAbsent(raw) {
		return 0, errors.New("missing")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errors.New("not a number")
	}
	return v, nil
}
