// README: Location samples, outbound payloads and nearby search results.
package location

import (
	"encoding/json"
	"time"

	"delivtrack/internal/types"
)

const (
	EventDriverLocation            = "driverLocation"
	EventDriverLocationUpdate      = "driverLocationUpdate"
	EventDriverLocationAdminUpdate = "driverLocationAdminUpdate"
)

// Report is an inbound driverLocation payload as sent by the client. Every
// field stays raw until validated, so a malformed driverId is still judged
// against the connection before the coordinates are.
type Report struct {
	DriverID json.RawMessage `json:"driverId"`
	Lat      json.RawMessage `json:"lat"`
	Lng      json.RawMessage `json:"lng"`
	OrderID  json.RawMessage `json:"orderId,omitempty"`
}

// Sample is a validated position report.
type Sample struct {
	DriverID  types.ID
	Point     types.Point
	OrderID   *types.ID
	Timestamp time.Time
}

// Update is the payload of driverLocationUpdate and driverLocationAdminUpdate.
type Update struct {
	DriverID  types.ID  `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	OrderID   *types.ID `json:"orderId,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// Session is the connection a report arrived on.
type Session struct {
	DriverID     types.ID
	ConnectionID types.ID
}

type NearbyDriver struct {
	DriverID   types.ID `json:"driverId"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	DistanceKm float64  `json:"distanceKm"`
}
