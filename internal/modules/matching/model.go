// README: Courier pool entries and assignment tuning.
package matching

import (
	"time"

	"hemoroute/internal/types"
)

// Courier is an available courier with its distance from the search origin.
type Courier struct {
	ID         types.ID    `json:"id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
}

const (
	// selectPoolSize bounds how many nearby couriers one auto-assign tries.
	selectPoolSize = 10
	// claimTTL keeps a courier reserved for one delivery while it is bound.
	claimTTL = 2 * time.Minute
)
