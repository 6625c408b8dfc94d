// README: Request party resolution shared by delivery, stream and waypoint handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hemoroute/internal/http/middleware"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/location"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

type DeliveryReader interface {
	Delivery(ctx context.Context, id types.ID) (*delivery.Delivery, error)
}

// party is how one caller relates to a request and its delivery.
type party struct {
	requester bool
	accepter  bool
	courier   bool
}

func partyOf(uid types.ID, r *request.Request, d *delivery.Delivery) party {
	p := party{
		requester: r.RequesterID == uid,
		accepter:  r.AcceptedBy != nil && *r.AcceptedBy == uid,
	}
	if d != nil {
		p.courier = d.CourierID != nil && *d.CourierID == uid
	}
	return p
}

func (p party) any() bool {
	return p.requester || p.accepter || p.courier
}

// seesPickupCode holds for the two sides that hand the code to the courier.
func (p party) seesPickupCode() bool {
	return p.requester || p.accepter
}

// waypointRole is the role a party's waypoints are filed under. The
// requester reports where the patient is; the accepter reports under the
// role it accepted with.
func (p party) waypointRole(r *request.Request) (location.ActorRole, bool) {
	switch {
	case p.accepter:
		return location.ActorRole(r.AcceptedRole), true
	case p.requester:
		return location.RolePatient, true
	case p.courier:
		return location.RoleCourier, true
	}
	return "", false
}

// loadDelivery fetches a delivery and its request. Lookup failures are
// written to the response.
func loadDelivery(c *gin.Context, deliveries DeliveryReader, requests RequestReader, id types.ID) (*delivery.Delivery, *request.Request, bool) {
	ctx := c.Request.Context()
	d, err := deliveries.Delivery(ctx, id)
	if err != nil {
		writeServiceError(c, err)
		return nil, nil, false
	}
	r, err := requests.Get(ctx, d.RequestID)
	if err != nil {
		writeServiceError(c, err)
		return nil, nil, false
	}
	return d, r, true
}

// deliveryParty is loadDelivery plus a 403 for callers who are not a party.
func deliveryParty(c *gin.Context, deliveries DeliveryReader, requests RequestReader, id types.ID) (*delivery.Delivery, party, bool) {
	d, r, ok := loadDelivery(c, deliveries, requests, id)
	if !ok {
		return nil, party{}, false
	}
	p := partyOf(types.ID(middleware.CallerUID(c)), r, d)
	if !p.any() {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not a party to this delivery")
		return nil, party{}, false
	}
	return d, p, true
}
