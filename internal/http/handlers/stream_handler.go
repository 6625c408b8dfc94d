// README: Server-sent event stream of one delivery's tracking and status events.
package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/events"
)

const keepAliveInterval = 20 * time.Second

type StreamHandler struct {
	hub      *events.Hub
	tracking DispatchFlow
	requests RequestReader
}

func NewStreamHandler(hub *events.Hub, tracking DispatchFlow, requests RequestReader) *StreamHandler {
	return &StreamHandler{hub: hub, tracking: tracking, requests: requests}
}

// Stream sends a snapshot first, then every tracking and delivery event for
// the delivery until the client leaves or the session closes. Only parties
// to the delivery may subscribe.
func (h *StreamHandler) Stream(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, p, ok := deliveryParty(c, h.tracking, h.requests, id)
	if !ok {
		return
	}
	trackSub := h.hub.Subscribe(events.TopicTracking, id.String())
	defer trackSub.Close()
	deliverySub := h.hub.Subscribe(events.TopicDeliveries, id.String())
	defer deliverySub.Close()

	snapshot, err := h.tracking.Tracking(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	snapshot.PickupCode = ""
	if p.seesPickupCode() {
		snapshot.PickupCode = d.PickupCode
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("tracking.snapshot", snapshot)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-trackSub.C:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return e.Type != "tracking.closed"
		case e, ok := <-deliverySub.C:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
}
