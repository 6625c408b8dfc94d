// README: Delivery handlers: create, courier binding, status advance, pickup code and positions.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/tracking"
	"hemoroute/internal/types"
)

type DispatchFlow interface {
	DeliveryReader
	CreateDelivery(ctx context.Context, requestID types.ID) (*delivery.Delivery, error)
	AssignCourier(ctx context.Context, id, courierID types.ID) (*delivery.Delivery, error)
	Advance(ctx context.Context, id types.ID, to delivery.Status, actorType string, actorID types.ID) (*delivery.Delivery, error)
	CancelDelivery(ctx context.Context, id types.ID, reason, actorType string, actorID types.ID) (*delivery.Delivery, error)
	ConfirmPickup(ctx context.Context, id types.ID, code string, courierID types.ID) (*delivery.Delivery, error)
	ReportPosition(ctx context.Context, deliveryID, courierID types.ID, p types.Point, at time.Time) (tracking.View, error)
	Tracking(ctx context.Context, deliveryID types.ID) (tracking.View, error)
}

type DeliveryHandler struct {
	flow     DispatchFlow
	requests RequestReader
}

func NewDeliveryHandler(flow DispatchFlow, requests RequestReader) *DeliveryHandler {
	return &DeliveryHandler{flow: flow, requests: requests}
}

type createDeliveryResp struct {
	DeliveryID types.ID        `json:"delivery_id"`
	Status     delivery.Status `json:"status"`
	Pickup     *types.Point    `json:"pickup"`
	Drop       *types.Point    `json:"drop"`
	PickupCode string          `json:"pickup_code"`
	CourierID  *types.ID       `json:"courier_id,omitempty"`
}

// Create opens dispatch for an accepted request. Only the requester or the
// accepting party may do so; both receive the pickup code.
func (h *DeliveryHandler) Create(c *gin.Context) {
	requestID, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.requests.Get(c.Request.Context(), requestID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	if r.RequesterID != uid && (r.AcceptedBy == nil || *r.AcceptedBy != uid) {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not a party to this request")
		return
	}
	d, err := h.flow.CreateDelivery(c.Request.Context(), requestID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, createDeliveryResp{
		DeliveryID: d.ID,
		Status:     d.Status,
		Pickup:     d.Pickup,
		Drop:       d.Drop,
		PickupCode: d.PickupCode,
		CourierID:  d.CourierID,
	})
}

type assignReq struct {
	CourierID string `json:"courier_id"`
}

// Assign binds a courier. The requester or the accepter may bind anyone; a
// courier may only claim an unbound delivery for itself.
func (h *DeliveryHandler) Assign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.CourierID) {
		writeError(c, http.StatusBadRequest, "bad_request", "courier_id is required")
		return
	}
	uid := middleware.CallerUID(c)
	if middleware.CallerRole(c) == "courier" && req.CourierID != uid {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: couriers may only assign themselves")
		return
	}
	cur, r, ok := loadDelivery(c, h.flow, h.requests, id)
	if !ok {
		return
	}
	p := partyOf(types.ID(uid), r, cur)
	claim := middleware.CallerRole(c) == "courier" && (cur.CourierID == nil || p.courier)
	if !p.requester && !p.accepter && !claim {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not a party to this delivery")
		return
	}
	d, err := h.flow.AssignCourier(c.Request.Context(), id, types.ID(req.CourierID))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type advanceReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *DeliveryHandler) Advance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req advanceReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "status is required")
		return
	}
	if _, _, ok := deliveryParty(c, h.flow, h.requests, id); !ok {
		return
	}
	actorType := middleware.CallerRole(c)
	if actorType == "" {
		actorType = "user"
	}
	actorID := types.ID(middleware.CallerUID(c))

	var (
		d   *delivery.Delivery
		err error
	)
	if to := delivery.Status(req.Status); to == delivery.StatusCancelled {
		d, err = h.flow.CancelDelivery(c.Request.Context(), id, req.Reason, actorType, actorID)
	} else {
		d, err = h.flow.Advance(c.Request.Context(), id, to, actorType, actorID)
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type pickupReq struct {
	Code string `json:"code"`
}

func (h *DeliveryHandler) ConfirmPickup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !requireRole(c, "courier") {
		return
	}
	var req pickupReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "code is required")
		return
	}
	d, err := h.flow.ConfirmPickup(c.Request.Context(), id, req.Code, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type positionResp struct {
	OK bool `json:"ok"`
	tracking.View
}

type positionReq struct {
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (h *DeliveryHandler) ReportPosition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !requireRole(c, "courier") {
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "lat and lng are required")
		return
	}
	var at time.Time
	if req.RecordedAt != nil {
		at = *req.RecordedAt
	}
	courierID := types.ID(middleware.CallerUID(c))
	v, err := h.flow.ReportPosition(c.Request.Context(), id, courierID, types.Point{Lat: *req.Lat, Lng: *req.Lng}, at)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, positionResp{OK: true, View: v})
}

// Tracking is open to every party. The pickup code is only shown to the
// requester and the accepter.
func (h *DeliveryHandler) Tracking(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, p, ok := deliveryParty(c, h.flow, h.requests, id)
	if !ok {
		return
	}
	v, err := h.flow.Tracking(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	v.PickupCode = ""
	if p.seesPickupCode() {
		v.PickupCode = d.PickupCode
	}
	writeJSON(c, http.StatusOK, v)
}
