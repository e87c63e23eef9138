// README: Order store backed by PostgreSQL.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"delivtrack/internal/types"
)

// Repository is the persistence contract of the state machine. Transition
// must be an atomic compare-and-set on (status, status_version).
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	Transition(ctx context.Context, t Transition) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]Order, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, customer_id, driver_id, status, status_version,
	address, lat, lng, notes,
	assigned_at, started_at, completed_at, cancelled_at, created_at, updated_at`

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, driver_id, status, status_version,
			address, lat, lng, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`,
		string(o.ID),
		string(o.CustomerID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		o.Address, o.Location.Lat, o.Location.Lng, o.Notes,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Transition applies t only if the row is still at t.From/t.Version. The *_at
// column matching the target status is stamped once and never overwritten.
func (s *Store) Transition(ctx context.Context, t Transition) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
			status_version = status_version + 1,
			driver_id = COALESCE($2, driver_id),
			assigned_at = CASE WHEN $1 = 'assigned' THEN COALESCE(assigned_at, $6) ELSE assigned_at END,
			started_at = CASE WHEN $1 = 'in-progress' THEN COALESCE(started_at, $6) ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN COALESCE(completed_at, $6) ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN COALESCE(cancelled_at, $6) ELSE cancelled_at END,
			updated_at = $6
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(t.To),
		toStringPtr(t.DriverID),
		string(t.OrderID),
		string(t.From),
		t.Version,
		t.At,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) List(ctx context.Context, f Filter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		args = append(args, string(*f.CustomerID))
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.DriverID != nil {
		args = append(args, string(*f.DriverID))
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customerID, status string
	var driverID sql.NullString
	var assignedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&id, &customerID, &driverID, &status, &o.StatusVersion,
		&o.Address, &o.Location.Lat, &o.Location.Lng, &o.Notes,
		&assignedAt, &startedAt, &completedAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.Status = Status(status)
	if driverID.Valid {
		d := types.ID(driverID.String)
		o.DriverID = &d
	}
	o.AssignedAt = toTimePtr(assignedAt)
	o.StartedAt = toTimePtr(startedAt)
	o.CompletedAt = toTimePtr(completedAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
