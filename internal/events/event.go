// README: Normalized domain event envelope published on a topic per entity kind.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Topic string

const (
	TopicRequests   Topic = "requests"
	TopicInbox      Topic = "inbox"
	TopicInventory  Topic = "inventory"
	TopicDeliveries Topic = "deliveries"
	TopicWaypoints  Topic = "waypoints"
	TopicTracking   Topic = "tracking"
)

// Kind mirrors the row-level change class observers reconcile against.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event carries enough identity (EntityID, Version) for a consumer to treat a
// duplicate or older delivery as a no-op. Key is the subscription filter
// ("for this hospital", "for this delivery"). Final marks the entity's last
// state change.
type Event struct {
	Topic      Topic           `json:"topic"`
	Type       string          `json:"type"`
	Kind       Kind            `json:"kind"`
	Key        string          `json:"key"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Origin     string          `json:"origin,omitempty"`
	Final      bool            `json:"final,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func New(topic Topic, typ string, kind Kind, key, entityID string, version int64, at time.Time, payload any) (Event, error) {
	e := Event{
		Topic:      topic,
		Type:       typ,
		Kind:       kind,
		Key:        key,
		EntityID:   entityID,
		Version:    version,
		OccurredAt: at,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		e.Payload = b
	}
	return e, nil
}

func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Publisher is implemented by the in-process hub, the Kafka bridge and Bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events; used where no observer exists.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
