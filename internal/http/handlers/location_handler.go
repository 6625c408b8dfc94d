// README: Waypoint handler; request parties report where they are.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/location"
	"hemoroute/internal/types"
)

type WaypointFlow interface {
	AppendWaypoint(ctx context.Context, rep location.Report) (*location.Waypoint, error)
	ActiveDelivery(ctx context.Context, requestID types.ID) (*delivery.Delivery, error)
}

type LocationHandler struct {
	flow     WaypointFlow
	requests RequestReader
}

func NewLocationHandler(flow WaypointFlow, requests RequestReader) *LocationHandler {
	return &LocationHandler{flow: flow, requests: requests}
}

type waypointReq struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	AccuracyM float64  `json:"accuracy_m"`
}

// AppendWaypoint records the caller's own position. The role is taken from
// the caller's part in the request, never from the body.
func (h *LocationHandler) AppendWaypoint(c *gin.Context) {
	requestID, ok := pathID(c)
	if !ok {
		return
	}
	var req waypointReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "lat and lng are required")
		return
	}
	ctx := c.Request.Context()
	r, err := h.requests.Get(ctx, requestID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	d, err := h.flow.ActiveDelivery(ctx, requestID)
	if err != nil && !errors.Is(err, delivery.ErrNotFound) {
		writeServiceError(c, err)
		return
	}
	role, ok := partyOf(uid, r, d).waypointRole(r)
	if !ok {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not a party to this request")
		return
	}
	w, err := h.flow.AppendWaypoint(ctx, location.Report{
		RequestID: requestID,
		ActorID:   uid,
		ActorRole: role,
		Position:  types.Point{Lat: *req.Lat, Lng: *req.Lng},
		AccuracyM: req.AccuracyM,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, w)
}
