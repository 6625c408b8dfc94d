// README: Perishable blood inventory units and reservation outcomes.
package inventory

import (
	"time"

	"hemoroute/internal/types"
)

type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitReserved  UnitStatus = "reserved"
	UnitExpired   UnitStatus = "expired"
	UnitConsumed  UnitStatus = "consumed"
)

type Unit struct {
	ID          types.ID   `json:"id"`
	FacilityID  types.ID   `json:"facility_id"`
	BloodGroup  string     `json:"blood_group"`
	Component   string     `json:"component"`
	CollectedAt time.Time  `json:"collected_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Status      UnitStatus `json:"status"`
	RequestID   *types.ID  `json:"request_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type ReservationStatus string

const (
	ReservationReserved     ReservationStatus = "reserved"
	ReservationInsufficient ReservationStatus = "insufficient"
)

type ReserveCommand struct {
	RequestID  types.ID
	FacilityID types.ID
	BloodGroup string
	Component  string
	Quantity   int
}

// Reservation is the outcome of one reserve call. Insufficient stock is an
// outcome, not an error: UnitIDs is empty and Available holds the shortfall
// basis.
type Reservation struct {
	RequestID  types.ID          `json:"request_id,omitempty"`
	FacilityID types.ID          `json:"facility_id"`
	BloodGroup string            `json:"blood_group"`
	Component  string            `json:"component"`
	Status     ReservationStatus `json:"status"`
	UnitIDs    []types.ID        `json:"unit_ids"`
	Requested  int               `json:"requested"`
	Available  int               `json:"available"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (r Reservation) Reserved() bool {
	return r.Status == ReservationReserved
}

// Shortfall is how many units are missing for the requested quantity.
func (r Reservation) Shortfall() int {
	if r.Reserved() || r.Available >= r.Requested {
		return 0
	}
	return r.Requested - r.Available
}

type Stock struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Expired   int `json:"expired"`
	Consumed  int `json:"consumed"`
}
