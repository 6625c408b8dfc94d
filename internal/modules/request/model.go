// README: Blood request aggregate, urgency tiers and status flow.
package request

import (
	"strings"
	"time"

	"hemoroute/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

var urgencyWeights = map[Urgency]int{
	UrgencyCritical: 4,
	UrgencyHigh:     3,
	UrgencyMedium:   2,
	UrgencyLow:      1,
}

// Weight orders urgency tiers for display; unknown or missing tiers weigh 0.
func (u Urgency) Weight() int {
	return urgencyWeights[Urgency(strings.ToLower(string(u)))]
}

// Channel selects which candidate roles a request is broadcast to.
type Channel string

const (
	ChannelDonor    Channel = "donor"
	ChannelHospital Channel = "hospital"
	ChannelAll      Channel = "all"
)

func (c Channel) Valid() bool {
	return c == ChannelDonor || c == ChannelHospital || c == ChannelAll
}

type Request struct {
	ID              types.ID     `json:"id"`
	RequesterID     types.ID     `json:"requester_id"`
	BloodGroup      string       `json:"blood_group"`
	Component       string       `json:"component"`
	Quantity        int          `json:"quantity"`
	Urgency         Urgency      `json:"urgency"`
	Channel         Channel      `json:"channel"`
	Status          Status       `json:"status"`
	StatusVersion   int          `json:"status_version"`
	Emergency       bool         `json:"emergency"`
	EmergencyAt     *time.Time   `json:"emergency_at,omitempty"`
	PatientLocation *types.Point `json:"patient_location,omitempty"`
	AcceptedBy      *types.ID    `json:"accepted_by,omitempty"`
	AcceptedRole    string       `json:"accepted_role,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	AcceptedAt      *time.Time   `json:"accepted_at,omitempty"`
	FulfilledAt     *time.Time   `json:"fulfilled_at,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
}

type Event struct {
	ID         int64
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions is the request status flow; it only moves forward.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusCancelled},
	StatusAccepted: {StatusFulfilled},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
