// README: Inbound adapters: remote bus events and MQTT courier telemetry.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/events"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/types"
)

const telemetryTimeout = 5 * time.Second

var ErrBadTelemetry = errors.New("bad telemetry message")

type EventIngester interface {
	Ingest(ctx context.Context, e events.Event) (bool, error)
}

// RemoteEvents returns the Kafka consumer handler. Events from other
// replicas reach local subscribers through the bus; delivery changes also
// refresh any tracking session this replica holds. Echoes and events the
// hub already saw at an equal or newer version are not synced.
func (f *Fulfillment) RemoteEvents(bus EventIngester) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		applied, err := bus.Ingest(ctx, e)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if e.Topic != events.TopicDeliveries || !f.tracker.Watching(types.ID(e.EntityID)) {
			return nil
		}
		var d delivery.Delivery
		if err := e.Decode(&d); err != nil {
			f.logger.Warn("remote delivery event undecodable", zap.String("entity_id", e.EntityID), zap.Error(err))
			return nil
		}
		f.sync(ctx, &d)
		return nil
	}
}

type telemetryMessage struct {
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// HandleTelemetry ingests one courier position published on
// <prefix>/couriers/<courier_id>/deliveries/<delivery_id>/position. The
// tracker rejects the position unless that courier is bound to the delivery.
func (f *Fulfillment) HandleTelemetry(topic string, payload []byte) error {
	courierID, deliveryID, err := parseTelemetryTopic(topic)
	if err != nil {
		return err
	}
	var msg telemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadTelemetry, err)
	}
	if msg.Lat == nil || msg.Lng == nil {
		return fmt.Errorf("%w: missing coordinate", ErrBadTelemetry)
	}
	var at time.Time
	if msg.RecordedAt != nil {
		at = *msg.RecordedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	_, err = f.tracker.ReportPosition(ctx, deliveryID, courierID, types.Point{Lat: *msg.Lat, Lng: *msg.Lng}, at)
	return err
}

func parseTelemetryTopic(topic string) (courierID, deliveryID types.ID, err error) {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 5 || parts[n-1] != "position" || parts[n-3] != "deliveries" || parts[n-5] != "couriers" ||
		parts[n-2] == "" || parts[n-4] == "" {
		return "", "", fmt.Errorf("%w: topic %q", ErrBadTelemetry, topic)
	}
	return types.ID(parts[n-4]), types.ID(parts[n-2]), nil
}
