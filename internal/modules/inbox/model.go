// README: Per-candidate inbox entries for an open blood request and their display ranking.
package inbox

import (
	"slices"
	"time"

	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

type Role string

const (
	RoleDonor    Role = "donor"
	RoleHospital Role = "hospital"
)

func (r Role) Valid() bool {
	return r == RoleDonor || r == RoleHospital
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

type Entry struct {
	ID            types.ID  `json:"id"`
	RequestID     types.ID  `json:"request_id"`
	CandidateID   types.ID  `json:"candidate_id"`
	CandidateRole Role      `json:"candidate_role"`
	Status        Status    `json:"status"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Item is an entry joined with the request fields a candidate sees.
type Item struct {
	Entry
	Urgency          request.Urgency `json:"urgency"`
	BloodGroup       string          `json:"blood_group"`
	Component        string          `json:"component"`
	Quantity         int             `json:"quantity"`
	Emergency        bool            `json:"emergency"`
	RequestCreatedAt time.Time       `json:"request_created_at"`
}

// Rank orders items by urgency weight descending, then oldest request first.
// The input is not modified; equal keys keep their input order.
func Rank(items []Item) []Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b Item) int {
		if wa, wb := a.Urgency.Weight(), b.Urgency.Weight(); wa != wb {
			return wb - wa
		}
		return a.RequestCreatedAt.Compare(b.RequestCreatedAt)
	})
	return out
}

// rolesFor lists the candidate roles a channel reaches.
func rolesFor(c request.Channel) []string {
	switch c {
	case request.ChannelDonor:
		return []string{string(RoleDonor)}
	case request.ChannelHospital:
		return []string{string(RoleHospital)}
	default:
		return []string{string(RoleDonor), string(RoleHospital)}
	}
}
