// README: Inbox handlers: ranked listing and reject.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/types"
)

type InboxService interface {
	Inbox(ctx context.Context, candidateID types.ID) ([]inbox.Item, error)
	Reject(ctx context.Context, id, candidateID types.ID) (*inbox.Entry, error)
}

type InboxHandler struct {
	inbox InboxService
}

func NewInboxHandler(svc InboxService) *InboxHandler {
	return &InboxHandler{inbox: svc}
}

func (h *InboxHandler) List(c *gin.Context) {
	items, err := h.inbox.Inbox(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []inbox.Item{}
	}
	writeJSON(c, http.StatusOK, gin.H{"items": items})
}

func (h *InboxHandler) Reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	e, err := h.inbox.Reject(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "entry": e})
}
