// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"delivtrack/internal/http/handlers"
	"delivtrack/internal/http/middleware"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/modules/presence"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/realtime"
	"delivtrack/internal/types"
)

type RouterDeps struct {
	Verifier  middleware.Verifier
	Orders    *order.Service
	Users     *user.Service
	Presence  *presence.Registry
	Locations *location.Store
	Realtime  *realtime.Router
	Log       *slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "onlineDrivers": d.Presence.Len()})
	})
	// authenticates itself before the upgrade
	r.GET("/track", d.Realtime.ServeWS)

	api := r.Group("/api", middleware.Auth(d.Verifier))

	orderHandler := handlers.NewOrderHandler(d.Orders)
	api.POST("/orders", middleware.RequireRole(types.RoleCustomer), orderHandler.Create)
	api.GET("/orders", orderHandler.List)
	api.GET("/orders/:id", orderHandler.Get)
	api.PATCH("/orders/:id/assign-driver", middleware.RequireRole(types.RoleAdmin), orderHandler.AssignDriver)
	api.PATCH("/orders/:id/start", middleware.RequireRole(types.RoleDriver), orderHandler.Start)
	api.PATCH("/orders/:id/complete", middleware.RequireRole(types.RoleDriver), orderHandler.Complete)
	api.PATCH("/orders/:id/cancel", middleware.RequireRole(types.RoleCustomer, types.RoleAdmin), orderHandler.Cancel)

	driverHandler := handlers.NewDriverHandler(d.Users, d.Orders, d.Presence, d.Locations)
	api.GET("/drivers/online", middleware.RequireRole(types.RoleAdmin), driverHandler.Online)
	api.GET("/drivers/nearby", middleware.RequireRole(types.RoleAdmin), driverHandler.Nearby)
	api.POST("/drivers/:id/push-token", middleware.RequireRole(types.RoleDriver), driverHandler.RegisterPushToken)
	api.GET("/drivers/:id/orders", middleware.RequireRole(types.RoleDriver, types.RoleAdmin), driverHandler.Orders)

	return r
}
