// README: Order handlers: create, list, get and the status transitions.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"delivtrack/internal/http/middleware"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type createOrderReq struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Notes   string   `json:"notes"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID: middleware.CallerUID(c),
		Address:    req.Address,
		Location:   types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Notes:      req.Notes,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOrderResponse(o))
}

func (h *OrderHandler) List(c *gin.Context) {
	orders, err := h.order.List(c.Request.Context(), callerActor(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderList(orders))
}

// Get returns one order if the caller may see it.
func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.order.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	actor := callerActor(c)
	switch actor.Role {
	case types.RoleAdmin:
	case types.RoleCustomer:
		if o.CustomerID != actor.ID {
			writeOrderError(c, order.ErrForbidden)
			return
		}
	case types.RoleDriver:
		if !o.AssignedTo(actor.ID) {
			writeOrderError(c, order.ErrForbidden)
			return
		}
	default:
		writeOrderError(c, order.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type assignDriverReq struct {
	DriverID string `json:"driverId"`
}

func (h *OrderHandler) AssignDriver(c *gin.Context) {
	var req assignDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DriverID == "" {
		writeError(c, http.StatusBadRequest, "driverId is required")
		return
	}
	o, err := h.order.Assign(c.Request.Context(), order.AssignCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: types.ID(req.DriverID),
		Actor:    callerActor(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Start(c *gin.Context) {
	o, err := h.order.Start(c.Request.Context(), order.StartCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Complete(c *gin.Context) {
	o, err := h.order.Complete(c.Request.Context(), order.CompleteCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: types.ID(c.Param("id")),
		Actor:   callerActor(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func callerActor(c *gin.Context) order.Actor {
	return order.Actor{ID: middleware.CallerUID(c), Role: middleware.CallerRole(c)}
}
