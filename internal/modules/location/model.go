// README: Actor waypoints tied to a request and live courier positions.
package location

import (
	"time"

	"hemoroute/internal/types"
)

type ActorRole string

const (
	RoleDonor    ActorRole = "donor"
	RoleHospital ActorRole = "hospital"
	RolePatient  ActorRole = "patient"
	RoleCourier  ActorRole = "courier"
)

func (r ActorRole) Valid() bool {
	switch r {
	case RoleDonor, RoleHospital, RolePatient, RoleCourier:
		return true
	}
	return false
}

// Waypoint is append-only; the best one per actor feeds delivery endpoints.
type Waypoint struct {
	ID         int64       `json:"id"`
	RequestID  types.ID    `json:"request_id"`
	ActorID    types.ID    `json:"actor_id"`
	ActorRole  ActorRole   `json:"actor_role"`
	Position   types.Point `json:"position"`
	AccuracyM  float64     `json:"accuracy_m"`
	RecordedAt time.Time   `json:"recorded_at"`
}

type Report struct {
	RequestID types.ID
	ActorID   types.ID
	ActorRole ActorRole
	Position  types.Point
	AccuracyM float64
}
