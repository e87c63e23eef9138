// README: User records shared by identity verification, assignment and location persistence.
package user

import (
	"time"

	"delivtrack/internal/types"
)

type Location struct {
	Lat       float64
	Lng       float64
	UpdatedAt time.Time
}

type User struct {
	ID                 types.ID
	Email              string
	Name               string
	Role               types.Role
	Active             bool
	PushToken          *string
	PushTokenUpdatedAt *time.Time
	CurrentLocation    *Location
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsActiveDriver reports whether the user can be assigned deliveries.
func (u *User) IsActiveDriver() bool {
	return u != nil && u.Active && u.Role == types.RoleDriver
}

// OnlineDriver is a driver record joined with its presence entry.
type OnlineDriver struct {
	ID              types.ID
	Name            string
	Email           string
	CurrentLocation *Location
	LastSeen        time.Time
}
