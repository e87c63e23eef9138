// README: User service: push token registration and online-driver views.
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"delivtrack/internal/modules/presence"
	"delivtrack/internal/types"
)

var (
	ErrNotFound         = errors.New("user not found")
	ErrForbidden        = errors.New("access denied")
	ErrInvalidPushToken = errors.New("invalid push token format")
)

// FCM registration tokens are ~163 chars; anything far shorter is a client bug.
const minPushTokenLength = 100

type Repository interface {
	Get(ctx context.Context, id types.ID) (*User, error)
	GetActiveDrivers(ctx context.Context, ids []types.ID) ([]User, error)
	SetPushToken(ctx context.Context, id types.ID, token string, at time.Time) (int64, error)
}

type Service struct {
	store Repository
	log   *slog.Logger
}

func NewService(store Repository, log *slog.Logger) *Service {
	return &Service{store: store, log: log.With("component", "user")}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*User, error) {
	return s.store.Get(ctx, id)
}

// RegisterPushToken saves the device token for a driver. Drivers may only
// register tokens for themselves.
func (s *Service) RegisterPushToken(ctx context.Context, caller, driverID types.ID, token string) error {
	if caller != driverID {
		return ErrForbidden
	}
	token = strings.TrimSpace(token)
	if len(token) < minPushTokenLength {
		return ErrInvalidPushToken
	}
	u, err := s.store.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if u.Role != types.RoleDriver {
		return ErrNotFound
	}
	cleared, err := s.store.SetPushToken(ctx, driverID, token, time.Now().UTC())
	if err != nil {
		return err
	}
	if cleared > 0 {
		s.log.WarnContext(ctx, "push token moved from another user", "driver_id", driverID, "previous_holders", cleared)
	}
	s.log.InfoContext(ctx, "push token registered", "driver_id", driverID, "token_length", len(token))
	return nil
}

// OnlineDrivers joins a presence snapshot with stored driver records. Entries
// for drivers that are no longer active are dropped.
func (s *Service) OnlineDrivers(ctx context.Context, entries []presence.Entry) ([]OnlineDriver, error) {
	if len(entries) == 0 {
		return []OnlineDriver{}, nil
	}
	lastSeen := make(map[types.ID]time.Time, len(entries))
	ids := make([]types.ID, 0, len(entries))
	for _, e := range entries {
		lastSeen[e.DriverID] = e.LastSeenAt
		ids = append(ids, e.DriverID)
	}
	drivers, err := s.store.GetActiveDrivers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]OnlineDriver, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, OnlineDriver{
			ID:              d.ID,
			Name:            d.Name,
			Email:           d.Email,
			CurrentLocation: d.CurrentLocation,
			LastSeen:        lastSeen[d.ID],
		})
	}
	return out, nil
}
