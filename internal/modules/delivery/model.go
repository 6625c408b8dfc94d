// README: Delivery aggregate, dispatch statuses and the forward-only transition table.
package delivery

import (
	"time"

	"hemoroute/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusAssigned  Status = "assigned"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the delivery can still move.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInTransit
}

type Delivery struct {
	ID               types.ID     `json:"id"`
	RequestID        types.ID     `json:"request_id"`
	CourierID        *types.ID    `json:"courier_id,omitempty"`
	Status           Status       `json:"status"`
	StatusVersion    int          `json:"status_version"`
	Pickup           *types.Point `json:"pickup,omitempty"`
	Drop             *types.Point `json:"drop,omitempty"`
	PickupCode       string       `json:"-"`
	PickupCodeUsedAt *time.Time   `json:"pickup_code_used_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	CourierBoundAt   *time.Time   `json:"courier_bound_at,omitempty"`
	PickedUpAt       *time.Time   `json:"picked_up_at,omitempty"`
	DeliveredAt      *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason     *string      `json:"cancellation_reason,omitempty"`
}

// Endpoints are the resolved pickup and drop coordinates; either may be
// missing when no actor has shared a location yet.
type Endpoints struct {
	Pickup *types.Point `json:"pickup,omitempty"`
	Drop   *types.Point `json:"drop,omitempty"`
}

func (e Endpoints) Complete() bool {
	return e.Pickup != nil && e.Drop != nil
}

func (e Endpoints) Equal(o Endpoints) bool {
	return types.SamePoint(e.Pickup, o.Pickup) && types.SamePoint(e.Drop, o.Drop)
}

type Event struct {
	ID         int64
	DeliveryID types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the dispatch flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusAssigned:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
