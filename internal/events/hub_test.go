package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mustEvent(t *testing.T, topic Topic, key, entity string, version int64) Event {
	t.Helper()
	e, err := New(topic, "test.changed", KindUpdate, key, entity, version, time.Now(), map[string]any{"v": version})
	require.NoError(t, err)
	return e
}

func TestHubFiltersByKey(t *testing.T) {
	hub := NewHub(zap.NewNop())
	forA := hub.Subscribe(TopicDeliveries, "a")
	defer forA.Close()
	all := hub.Subscribe(TopicDeliveries, "")
	defer all.Close()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, mustEvent(t, TopicDeliveries, "a", "a", 1)))
	require.NoError(t, hub.Publish(ctx, mustEvent(t, TopicDeliveries, "b", "b", 1)))

	assert.Len(t, forA.C, 1)
	assert.Len(t, all.C, 2)
	got := <-forA.C
	assert.Equal(t, "a", got.EntityID)
}

func TestHubDropsDuplicateAndOlderVersions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(TopicRequests, "r1")
	defer sub.Close()

	ctx := context.Background()
	_ = hub.Publish(ctx, mustEvent(t, TopicRequests, "r1", "r1", 2))
	_ = hub.Publish(ctx, mustEvent(t, TopicRequests, "r1", "r1", 2))
	_ = hub.Publish(ctx, mustEvent(t, TopicRequests, "r1", "r1", 1))
	_ = hub.Publish(ctx, mustEvent(t, TopicRequests, "r1", "r1", 3))

	require.Len(t, sub.C, 2)
	assert.Equal(t, int64(2), (<-sub.C).Version)
	assert.Equal(t, int64(3), (<-sub.C).Version)
}

func TestHubSlowSubscriberKeepsLatest(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.buffer = 2
	slow := hub.Subscribe(TopicTracking, "d1")
	defer slow.Close()

	ctx := context.Background()
	for v := int64(1); v <= 5; v++ {
		require.NoError(t, hub.Publish(ctx, mustEvent(t, TopicTracking, "d1", "d1", v)))
	}
	require.Len(t, slow.C, 2)
	assert.Equal(t, int64(4), (<-slow.C).Version)
	assert.Equal(t, int64(5), (<-slow.C).Version)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(TopicInbox, "h1")
	sub.Close()
	sub.Close()

	require.NoError(t, hub.Publish(context.Background(), mustEvent(t, TopicInbox, "h1", "e1", 1)))
	_, open := <-sub.C
	assert.False(t, open)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestBusMirrorsToRemoteAndIgnoresOwnEcho(t *testing.T) {
	hub := NewHub(zap.NewNop())
	fw := &fakeWriter{}
	bus := NewBus(hub, NewKafkaPublisherWithWriter(fw), "replica-1", zap.NewNop())
	sub := hub.Subscribe(TopicDeliveries, "d1")
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, mustEvent(t, TopicDeliveries, "d1", "d1", 1)))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "deliveries:d1", string(fw.msgs[0].Key))

	echo := mustEvent(t, TopicDeliveries, "d1", "d1", 2)
	echo.Origin = "replica-1"
	applied, err := bus.Ingest(ctx, echo)
	require.NoError(t, err)
	assert.False(t, applied)

	remote := mustEvent(t, TopicDeliveries, "d1", "d1", 3)
	remote.Origin = "replica-2"
	applied, err = bus.Ingest(ctx, remote)
	require.NoError(t, err)
	assert.True(t, applied)

	stale := mustEvent(t, TopicDeliveries, "d1", "d1", 2)
	stale.Origin = "replica-2"
	applied, err = bus.Ingest(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)

	require.Len(t, sub.C, 2)
	assert.Equal(t, int64(1), (<-sub.C).Version)
	assert.Equal(t, int64(3), (<-sub.C).Version)
}

func TestBusRemoteFailureDoesNotFailPublish(t *testing.T) {
	hub := NewHub(zap.NewNop())
	bus := NewBus(hub, NewKafkaPublisherWithWriter(&fakeWriter{err: assert.AnError}), "r", zap.NewNop())
	assert.NoError(t, bus.Publish(context.Background(), mustEvent(t, TopicRequests, "x", "x", 1)))
}

func TestProjectionRetiresFinishedEntities(t *testing.T) {
	p := NewBoundedProjection(2)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, p.Apply(mustEvent(t, TopicRequests, id, id, 1)))
		final := mustEvent(t, TopicRequests, id, id, 2)
		final.Final = true
		assert.True(t, p.Apply(final))
	}
	// Only the two most recent tombstones remain.
	assert.Equal(t, 2, p.Len())

	assert.False(t, p.Apply(mustEvent(t, TopicRequests, "c", "c", 1)), "late event for a finished entity")
	assert.False(t, p.Apply(mustEvent(t, TopicRequests, "b", "b", 2)))
	assert.Equal(t, int64(2), p.Version(TopicRequests, "c"))
	assert.Equal(t, int64(0), p.Version(TopicRequests, "a"))
}

func TestHubLedgerStaysBoundedAcrossLifecycles(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.applied = NewBoundedProjection(8)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("d%d", i)
		hub.Deliver(mustEvent(t, TopicDeliveries, id, id, 1))
		done := mustEvent(t, TopicDeliveries, id, id, 2)
		done.Final = true
		hub.Deliver(done)
	}
	assert.Equal(t, 8, hub.applied.Len())
}
