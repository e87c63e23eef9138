// README: Driver handlers: online list, nearby search, push token and active orders.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"delivtrack/internal/http/middleware"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/modules/presence"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

const defaultNearbyRadiusKm = 5.0

type DriverHandler struct {
	users     *user.Service
	orders    *order.Service
	presence  *presence.Registry
	locations *location.Store
}

func NewDriverHandler(users *user.Service, orders *order.Service, reg *presence.Registry, locations *location.Store) *DriverHandler {
	return &DriverHandler{users: users, orders: orders, presence: reg, locations: locations}
}

type locationResponse struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type onlineDriverResponse struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Email           string            `json:"email"`
	CurrentLocation *locationResponse `json:"currentLocation"`
	LastSeen        time.Time         `json:"lastSeen"`
}

func (h *DriverHandler) Online(c *gin.Context) {
	drivers, err := h.users.OnlineDrivers(c.Request.Context(), h.presence.Snapshot())
	if err != nil {
		writeDriverError(c, err)
		return
	}
	out := make([]onlineDriverResponse, 0, len(drivers))
	for _, d := range drivers {
		r := onlineDriverResponse{ID: string(d.ID), Name: d.Name, Email: d.Email, LastSeen: d.LastSeen}
		if d.CurrentLocation != nil {
			r.CurrentLocation = &locationResponse{Lat: d.CurrentLocation.Lat, Lng: d.CurrentLocation.Lng, UpdatedAt: d.CurrentLocation.UpdatedAt}
		}
		out = append(out, r)
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": out, "count": len(out)})
}

type nearbyDriverResponse struct {
	location.NearbyDriver
	Online bool `json:"online"`
}

func (h *DriverHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng query parameters are required")
		return
	}
	radius := defaultNearbyRadiusKm
	if v := c.Query("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "radius_km must be a number")
			return
		}
		radius = r
	}
	found, err := h.locations.Nearby(c.Request.Context(), types.Point{Lat: lat, Lng: lng}, radius)
	if err != nil {
		writeDriverError(c, err)
		return
	}
	out := make([]nearbyDriverResponse, 0, len(found))
	for _, d := range found {
		out = append(out, nearbyDriverResponse{NearbyDriver: d, Online: h.presence.IsOnline(d.DriverID)})
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": out, "radiusKm": radius})
}

type pushTokenReq struct {
	Token string `json:"token"`
}

func (h *DriverHandler) RegisterPushToken(c *gin.Context) {
	var req pushTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.users.RegisterPushToken(c.Request.Context(), middleware.CallerUID(c), types.ID(c.Param("id")), req.Token)
	if err != nil {
		writeDriverError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "Push token registered"})
}

// Orders lists the driver's assigned and in-progress orders. Drivers may only
// read their own; admins may read anyone's.
func (h *DriverHandler) Orders(c *gin.Context) {
	driverID := types.ID(c.Param("id"))
	if middleware.CallerRole(c) != types.RoleAdmin && middleware.CallerUID(c) != driverID {
		writeError(c, http.StatusForbidden, "access denied")
		return
	}
	orders, err := h.orders.ListActiveByDriver(c.Request.Context(), driverID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderList(orders))
}
