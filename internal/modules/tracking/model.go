// README: Tracking view types: trailing path, route metadata and session liveness.
package tracking

import (
	"time"

	"hemoroute/internal/maps"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/pricing"
	"hemoroute/internal/types"
)

type Position struct {
	Point      types.Point `json:"point"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Mode is the observer-facing liveness of a session.
type Mode string

const (
	ModeNoPosition Mode = "no_position"
	ModeLive       Mode = "live"
	ModeLastKnown  Mode = "last_known"
)

type RouteStatus string

const (
	RouteAvailable   RouteStatus = "available"
	RouteUnavailable RouteStatus = "unavailable"
)

const (
	ReasonMissingCoordinates = "missing_coordinates"
	ReasonProviderFailed     = "provider_unavailable"
)

// RouteView is route metadata plus the fare/ETA quote derived from it on
// read. Unavailable routes carry a reason and never zero values.
type RouteView struct {
	Status     RouteStatus    `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Stale      bool           `json:"stale"`
	Route      *maps.Route    `json:"route,omitempty"`
	Quote      *pricing.Quote `json:"quote,omitempty"`
	ComputedAt *time.Time     `json:"computed_at,omitempty"`
}

// View is what observers of a delivery see. PickupCode is left empty by the
// engine and filled only for the requester and the accepting party.
type View struct {
	DeliveryID     types.ID        `json:"delivery_id"`
	RequestID      types.ID        `json:"request_id"`
	CourierID      *types.ID       `json:"courier_id,omitempty"`
	DeliveryStatus delivery.Status `json:"delivery_status"`
	Mode           Mode            `json:"mode"`
	Latest         *Position       `json:"latest,omitempty"`
	Path           []Position      `json:"path"`
	Pickup         *types.Point    `json:"pickup,omitempty"`
	Drop           *types.Point    `json:"drop,omitempty"`
	RemainingKm    *float64        `json:"remaining_km,omitempty"`
	Route          RouteView       `json:"route"`
	PickupCode     string          `json:"pickup_code,omitempty"`
}
