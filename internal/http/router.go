// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hemoroute/internal/events"
	"hemoroute/internal/http/handlers"
	"hemoroute/internal/http/middleware"
	"hemoroute/internal/infra"
	"hemoroute/internal/service"
)

type RouterDeps struct {
	Fulfillment *service.Fulfillment
	Requests    handlers.RequestReader
	Inbox       handlers.InboxService
	Stock       handlers.StockReader
	Couriers    handlers.CourierPool
	Hub         *events.Hub
	Verifier    infra.TokenVerifier
	Logger      *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	requestHandler := handlers.NewRequestHandler(deps.Fulfillment, deps.Requests)
	api.POST("/requests", requestHandler.Open)
	api.GET("/requests/:id", requestHandler.Get)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)
	api.POST("/requests/:id/accept", requestHandler.Accept)

	locationHandler := handlers.NewLocationHandler(deps.Fulfillment, deps.Requests)
	api.POST("/requests/:id/waypoints", locationHandler.AppendWaypoint)

	inboxHandler := handlers.NewInboxHandler(deps.Inbox)
	api.GET("/inbox", inboxHandler.List)
	api.POST("/inbox/:id/reject", inboxHandler.Reject)

	inventoryHandler := handlers.NewInventoryHandler(deps.Fulfillment, deps.Stock)
	api.POST("/inventory/reservations", inventoryHandler.Reserve)
	api.GET("/inventory/stock", inventoryHandler.Stock)

	deliveryHandler := handlers.NewDeliveryHandler(deps.Fulfillment, deps.Requests)
	api.POST("/requests/:id/deliveries", deliveryHandler.Create)
	api.POST("/deliveries/:id/assign", deliveryHandler.Assign)
	api.POST("/deliveries/:id/advance", deliveryHandler.Advance)
	api.POST("/deliveries/:id/pickup", deliveryHandler.ConfirmPickup)
	api.POST("/deliveries/:id/positions", deliveryHandler.ReportPosition)
	api.GET("/deliveries/:id/tracking", deliveryHandler.Tracking)

	streamHandler := handlers.NewStreamHandler(deps.Hub, deps.Fulfillment, deps.Requests)
	api.GET("/deliveries/:id/stream", streamHandler.Stream)

	courierHandler := handlers.NewCourierHandler(deps.Couriers)
	api.PUT("/couriers/:id/availability", courierHandler.Availability)

	return r
}
