// README: Inventory handlers: reserve against the caller's facility and stock counts.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/inventory"
	"hemoroute/internal/types"
)

type Reserver interface {
	Reserve(ctx context.Context, cmd inventory.ReserveCommand) (inventory.Reservation, error)
}

type StockReader interface {
	Stock(ctx context.Context, facilityID types.ID, bloodGroup, component string) (inventory.Stock, error)
}

type InventoryHandler struct {
	reserver Reserver
	stock    StockReader
}

func NewInventoryHandler(reserver Reserver, stock StockReader) *InventoryHandler {
	return &InventoryHandler{reserver: reserver, stock: stock}
}

type reserveReq struct {
	RequestID  string `json:"request_id"`
	BloodGroup string `json:"blood_group"`
	Component  string `json:"component"`
	Quantity   int    `json:"quantity"`
}

type shortfallResponse struct {
	errorResponse
	Reservation inventory.Reservation `json:"reservation"`
	Shortfall   int                   `json:"shortfall"`
}

// Reserve holds units at the calling hospital for a request it accepted. A
// shortfall reserves nothing and reports how many units were available.
func (h *InventoryHandler) Reserve(c *gin.Context) {
	if !requireRole(c, "hospital") {
		return
	}
	var req reserveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if !isValidID(req.RequestID) {
		writeError(c, http.StatusBadRequest, "bad_request", "request_id is required")
		return
	}
	rsv, err := h.reserver.Reserve(c.Request.Context(), inventory.ReserveCommand{
		RequestID:  types.ID(req.RequestID),
		FacilityID: types.ID(middleware.CallerUID(c)),
		BloodGroup: req.BloodGroup,
		Component:  req.Component,
		Quantity:   req.Quantity,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if rsv.Status == inventory.ReservationInsufficient {
		writeJSON(c, http.StatusConflict, shortfallResponse{
			errorResponse: errorResponse{Error: "insufficient stock", Code: "insufficient_stock"},
			Reservation:   rsv,
			Shortfall:     rsv.Shortfall(),
		})
		return
	}
	writeJSON(c, http.StatusOK, rsv)
}

func (h *InventoryHandler) Stock(c *gin.Context) {
	if !requireRole(c, "hospital") {
		return
	}
	group, component := c.Query("blood_group"), c.Query("component")
	if group == "" || component == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "blood_group and component are required")
		return
	}
	st, err := h.stock.Stock(c.Request.Context(), types.ID(middleware.CallerUID(c)), group, component)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
