// README: First-accept-wins outcome types.
package acceptance

import (
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

// Reason explains a negative outcome. Losing a race is not an error.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAlreadyAccepted Reason = "already_accepted"
	ReasonCancelled       Reason = "cancelled"
	ReasonFulfilled       Reason = "fulfilled"
	ReasonNotEligible     Reason = "not_eligible"
)

type Command struct {
	RequestID   types.ID
	CandidateID types.ID
	Role        inbox.Role
}

type Result struct {
	Accepted bool             `json:"accepted"`
	Reason   Reason           `json:"reason,omitempty"`
	Request  *request.Request `json:"request,omitempty"`
	Entry    *inbox.Entry     `json:"entry,omitempty"`
}

func reasonFor(s request.Status) Reason {
	switch s {
	case request.StatusCancelled:
		return ReasonCancelled
	case request.StatusFulfilled:
		return ReasonFulfilled
	default:
		return ReasonAlreadyAccepted
	}
}
