// README: Courier pool handler for availability.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/types"
)

type CourierPool interface {
	SetAvailability(ctx context.Context, courierID types.ID, available bool, pos *types.Point) error
}

type CourierHandler struct {
	pool CourierPool
}

func NewCourierHandler(pool CourierPool) *CourierHandler {
	return &CourierHandler{pool: pool}
}

type availabilityReq struct {
	Available *bool    `json:"available"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

func (h *CourierHandler) Availability(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// Only the courier may change their own availability.
	if !requireRole(c, "courier") {
		return
	}
	if middleware.CallerUID(c) != id.String() {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: id does not match authenticated user")
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "available is required")
		return
	}
	var pos *types.Point
	if req.Lat != nil && req.Lng != nil {
		pos = &types.Point{Lat: *req.Lat, Lng: *req.Lng}
	}
	if err := h.pool.SetAvailability(c.Request.Context(), id, *req.Available, pos); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"courier_id": id, "available": *req.Available})
}
