// README: Base handler utilities (JSON helpers, caller checks, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/acceptance"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/inventory"
	"hemoroute/internal/modules/location"
	"hemoroute/internal/modules/matching"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/modules/tracking"
	"hemoroute/internal/service"
	"hemoroute/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// isValidID accepts the uuid-shaped ids the stores generate and the
// Firebase uids callers carry.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func requireRole(c *gin.Context, roles ...string) bool {
	role := middleware.CallerRole(c)
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden", "forbidden: role not permitted")
	return false
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{request.ErrNotFound, http.StatusNotFound, "not_found"},
	{delivery.ErrNotFound, http.StatusNotFound, "not_found"},
	{inbox.ErrNotFound, http.StatusNotFound, "not_found"},
	{request.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{delivery.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{acceptance.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{inventory.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{location.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{location.ErrMalformedReport, http.StatusUnprocessableEntity, "malformed_report"},
	{tracking.ErrMalformedReport, http.StatusUnprocessableEntity, "malformed_report"},
	{types.ErrCoordinateOutOfRange, http.StatusUnprocessableEntity, "malformed_report"},
	{request.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{delivery.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{inbox.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{request.ErrConflict, http.StatusConflict, "conflict"},
	{delivery.ErrConflict, http.StatusConflict, "conflict"},
	{inventory.ErrConflict, http.StatusConflict, "conflict"},
	{delivery.ErrRequestNotAccepted, http.StatusConflict, "request_not_accepted"},
	{delivery.ErrCodeMismatch, http.StatusUnprocessableEntity, "pickup_code_mismatch"},
	{delivery.ErrCodeUsed, http.StatusConflict, "pickup_code_used"},
	{delivery.ErrNotCourier, http.StatusForbidden, "not_assigned_courier"},
	{service.ErrNotAccepter, http.StatusForbidden, "not_accepter"},
	{tracking.ErrInactive, http.StatusConflict, "delivery_inactive"},
	{matching.ErrNoPosition, http.StatusUnprocessableEntity, "no_position"},
}

func writeServiceError(c *gin.Context, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			writeError(c, e.status, e.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal", "internal error")
}
