// README: Request handlers for open/get/cancel/accept.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/acceptance"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/service"
	"hemoroute/internal/types"
)

type RequestFlow interface {
	OpenRequest(ctx context.Context, cmd request.OpenCommand) (*request.Request, []inbox.Entry, error)
	CancelRequest(ctx context.Context, id, actorID types.ID) (*request.Request, error)
	Accept(ctx context.Context, cmd acceptance.Command) (service.AcceptOutcome, error)
}

type RequestReader interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
}

type RequestHandler struct {
	flow     RequestFlow
	requests RequestReader
}

func NewRequestHandler(flow RequestFlow, requests RequestReader) *RequestHandler {
	return &RequestHandler{flow: flow, requests: requests}
}

type openRequestReq struct {
	BloodGroup string   `json:"blood_group"`
	Component  string   `json:"component"`
	Quantity   int      `json:"quantity"`
	Urgency    string   `json:"urgency"`
	Channel    string   `json:"channel"`
	Emergency  bool     `json:"emergency"`
	PatientLat *float64 `json:"patient_lat"`
	PatientLng *float64 `json:"patient_lng"`
}

func (h *RequestHandler) Open(c *gin.Context) {
	var req openRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	cmd := request.OpenCommand{
		RequesterID: types.ID(middleware.CallerUID(c)),
		BloodGroup:  req.BloodGroup,
		Component:   req.Component,
		Quantity:    req.Quantity,
		Urgency:     request.Urgency(req.Urgency),
		Channel:     request.Channel(req.Channel),
		Emergency:   req.Emergency,
	}
	if req.PatientLat != nil && req.PatientLng != nil {
		cmd.PatientLocation = &types.Point{Lat: *req.PatientLat, Lng: *req.PatientLng}
	}
	r, entries, err := h.flow.OpenRequest(c.Request.Context(), cmd)
	if err != nil && r == nil {
		writeServiceError(c, err)
		return
	}
	resp := gin.H{"request": r, "candidates": len(entries)}
	if err != nil {
		// Open but not broadcast; the requester can cancel and reopen.
		resp["warning"] = "fanout_failed"
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	r, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if r.RequesterID != uid {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not the requester")
		return
	}
	if r, err = h.flow.CancelRequest(c.Request.Context(), id, uid); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type acceptResponse struct {
	service.AcceptOutcome
	Message string `json:"message,omitempty"`
}

var reasonMessages = map[acceptance.Reason]string{
	acceptance.ReasonAlreadyAccepted: "this request was already taken",
	acceptance.ReasonCancelled:       "this request was cancelled",
	acceptance.ReasonFulfilled:       "this request was already fulfilled",
	acceptance.ReasonNotEligible:     "you are not a candidate for this request",
}

var warningMessages = map[string]string{
	service.WarningInsufficientStock:  "accepted, but stock on hand does not cover the requested quantity",
	service.WarningReservationPending: "accepted; stock reservation is pending and can be retried",
}

// Accept lets a donor or hospital claim a request. Losing the race is a
// normal answer, not an error status.
func (h *RequestHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !requireRole(c, string(inbox.RoleDonor), string(inbox.RoleHospital)) {
		return
	}
	out, err := h.flow.Accept(c.Request.Context(), acceptance.Command{
		RequestID:   id,
		CandidateID: types.ID(middleware.CallerUID(c)),
		Role:        inbox.Role(middleware.CallerRole(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := acceptResponse{AcceptOutcome: out, Message: reasonMessages[out.Reason]}
	if msg, ok := warningMessages[out.Warning]; ok {
		resp.Message = msg
	}
	writeJSON(c, http.StatusOK, resp)
}
