// README: Bus publishes to the local hub and mirrors to a remote broker for other replicas.
package events

import (
	"context"

	"go.uber.org/zap"
)

type Bus struct {
	hub    *Hub
	remote Publisher
	origin string
	logger *zap.Logger
}

// NewBus wires the local hub with an optional remote publisher (nil disables
// cross-replica delivery). origin tags outgoing events so this replica can
// ignore its own echoes.
func NewBus(hub *Hub, remote Publisher, origin string, logger *zap.Logger) *Bus {
	return &Bus{hub: hub, remote: remote, origin: origin, logger: logger}
}

func (b *Bus) Hub() *Hub { return b.hub }

func (b *Bus) Publish(ctx context.Context, e Event) error {
	e.Origin = b.origin
	_ = b.hub.Publish(ctx, e)
	if b.remote == nil {
		return nil
	}
	if err := b.remote.Publish(ctx, e); err != nil {
		// Local observers are already served; remote replicas converge on the next event.
		b.logger.Warn("remote event publish failed",
			zap.String("type", e.Type), zap.String("entity_id", e.EntityID), zap.Error(err))
	}
	return nil
}

// Ingest applies an event received from the remote broker. It reports false
// for this replica's own echo and for duplicate or older versions.
func (b *Bus) Ingest(_ context.Context, e Event) (bool, error) {
	if e.Origin == b.origin {
		return false, nil
	}
	return b.hub.Deliver(e), nil
}
