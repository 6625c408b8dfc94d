// README: Fare rate and the quote shown wherever a route is displayed.
package pricing

import (
	"time"

	"hemoroute/internal/types"
)

// Rate charges BaseFare for the first BaseMeters, then StepFare for every
// started StepMeters beyond it.
type Rate struct {
	BaseFare   int64
	BaseMeters int
	StepFare   int64
	StepMeters int
	Currency   string
}

var DefaultRate = Rate{
	BaseFare:   85,
	BaseMeters: 1250,
	StepFare:   5,
	StepMeters: 200,
	Currency:   "INR",
}

type Quote struct {
	DistanceMeters  int         `json:"distance_meters"`
	DurationSeconds int         `json:"duration_seconds"`
	Fare            types.Money `json:"fare"`
	ETA             time.Time   `json:"eta"`
}
