// README: User store backed by PostgreSQL.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"delivtrack/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const userColumns = `
	id, email, name, role, is_active, push_token, push_token_updated_at,
	current_lat, current_lng, location_updated_at, created_at, updated_at`

func (s *Store) Create(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, name, role, is_active, push_token, push_token_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(u.ID), u.Email, u.Name, string(u.Role), u.Active,
		u.PushToken, u.PushTokenUpdatedAt, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetActiveDrivers returns the active drivers among ids. Unknown ids are skipped.
func (s *Store) GetActiveDrivers(ctx context.Context, ids []types.ID) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = ANY($1) AND role = 'driver' AND is_active
		ORDER BY name`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Store) SaveCurrentLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET current_lat = $2, current_lng = $3, location_updated_at = $4, updated_at = NOW()
		WHERE id = $1`,
		string(id), p.Lat, p.Lng, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPushToken stores token on the user and strips it from anyone else holding it.
// It returns how many other users lost the token.
func (s *Store) SetPushToken(ctx context.Context, id types.ID, token string, at time.Time) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cleared, err := tx.Exec(ctx, `
		UPDATE users
		SET push_token = NULL, push_token_updated_at = NULL, updated_at = NOW()
		WHERE push_token = $1 AND id <> $2`,
		token, string(id),
	)
	if err != nil {
		return 0, fmt.Errorf("clear duplicate push token: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET push_token = $2, push_token_updated_at = $3, updated_at = NOW()
		WHERE id = $1`,
		string(id), token, at,
	)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cleared.RowsAffected(), nil
}

// ClearPushToken removes the token only if the user still holds that exact value,
// so a token registered after a failed send is not lost.
func (s *Store) ClearPushToken(ctx context.Context, id types.ID, token string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET push_token = NULL, push_token_updated_at = NULL, updated_at = NOW()
		WHERE id = $1 AND push_token = $2`,
		string(id), token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClearExpiredPushTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET push_token = NULL, push_token_updated_at = NULL, updated_at = NOW()
		WHERE push_token IS NOT NULL AND push_token_updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var id, role string
	var token sql.NullString
	var tokenAt, locAt sql.NullTime
	var lat, lng sql.NullFloat64
	err := row.Scan(
		&id, &u.Email, &u.Name, &role, &u.Active, &token, &tokenAt,
		&lat, &lng, &locAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.ID = types.ID(id)
	u.Role = types.Role(role)
	if token.Valid {
		u.PushToken = &token.String
	}
	if tokenAt.Valid {
		t := tokenAt.Time
		u.PushTokenUpdatedAt = &t
	}
	if lat.Valid && lng.Valid && locAt.Valid {
		u.CurrentLocation = &Location{Lat: lat.Float64, Lng: lng.Float64, UpdatedAt: locAt.Time}
	}
	return &u, nil
}
