// README: Base handler utilities (JSON helpers, error mapping, response shapes).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/modules/user"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, order.ErrInvalidTransition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, order.ErrDriverNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeDriverError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, user.ErrInvalidPushToken), errors.Is(err, location.ErrInvalidQuery):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, user.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, user.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type orderResponse struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customerId"`
	DriverID      *string    `json:"driverId"`
	Status        string     `json:"status"`
	StatusVersion int        `json:"statusVersion"`
	Address       string     `json:"address"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	Notes         string     `json:"notes,omitempty"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toOrderResponse(o *order.Order) orderResponse {
	var driverID *string
	if o.DriverID != nil {
		d := string(*o.DriverID)
		driverID = &d
	}
	return orderResponse{
		ID:            string(o.ID),
		CustomerID:    string(o.CustomerID),
		DriverID:      driverID,
		Status:        string(o.Status),
		StatusVersion: o.StatusVersion,
		Address:       o.Address,
		Lat:           o.Location.Lat,
		Lng:           o.Location.Lng,
		Notes:         o.Notes,
		AssignedAt:    o.AssignedAt,
		StartedAt:     o.StartedAt,
		CompletedAt:   o.CompletedAt,
		CancelledAt:   o.CancelledAt,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toOrderList(orders []order.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	return out
}
