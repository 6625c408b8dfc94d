package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hemoroute/internal/events"
	"hemoroute/internal/modules/acceptance"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/inventory"
	"hemoroute/internal/modules/location"
	"hemoroute/internal/modules/matching"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/modules/tracking"
	"hemoroute/internal/types"
)

type fakeRequests struct {
	opened    []request.OpenCommand
	cancelled []types.ID
	fulfilled []types.ID
	byID      map[types.ID]request.Request
	err       error
}

func (f *fakeRequests) Get(_ context.Context, id types.ID) (*request.Request, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	return &r, nil
}

func (f *fakeRequests) Open(_ context.Context, cmd request.OpenCommand) (*request.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, cmd)
	return &request.Request{ID: "req-1", BloodGroup: cmd.BloodGroup, Status: request.StatusPending}, nil
}

func (f *fakeRequests) Cancel(_ context.Context, id, _ types.ID) (*request.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.cancelled = append(f.cancelled, id)
	return &request.Request{ID: id, Status: request.StatusCancelled}, nil
}

func (f *fakeRequests) Fulfill(_ context.Context, id types.ID) (*request.Request, error) {
	f.fulfilled = append(f.fulfilled, id)
	return &request.Request{ID: id, Status: request.StatusFulfilled}, nil
}

type fakeInbox struct {
	fanned  []types.ID
	expired []types.ID
	err     error
}

func (f *fakeInbox) Fanout(_ context.Context, r *request.Request) ([]inbox.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fanned = append(f.fanned, r.ID)
	return []inbox.Entry{{ID: "ent-1", RequestID: r.ID}, {ID: "ent-2", RequestID: r.ID}}, nil
}

func (f *fakeInbox) ExpireForRequest(_ context.Context, id types.ID) ([]inbox.Entry, error) {
	f.expired = append(f.expired, id)
	return nil, nil
}

type fakeArbiter struct {
	res acceptance.Result
}

func (f *fakeArbiter) Accept(context.Context, acceptance.Command) (acceptance.Result, error) {
	return f.res, nil
}

type fakeAllocator struct {
	reserved []inventory.ReserveCommand
	consumed []types.ID
	outcome  inventory.Reservation
	err      error
}

func (f *fakeAllocator) Reserve(_ context.Context, cmd inventory.ReserveCommand) (inventory.Reservation, error) {
	f.reserved = append(f.reserved, cmd)
	if f.err != nil {
		return inventory.Reservation{}, f.err
	}
	return f.outcome, nil
}

func (f *fakeAllocator) Consume(_ context.Context, id types.ID) (int64, error) {
	f.consumed = append(f.consumed, id)
	return 2, nil
}

type fakeDeliveries struct {
	d          delivery.Delivery
	refreshErr error
	refreshed  []types.ID
}

func (f *fakeDeliveries) current() *delivery.Delivery {
	d := f.d
	return &d
}

func (f *fakeDeliveries) Create(context.Context, types.ID) (*delivery.Delivery, error) {
	return f.current(), nil
}

func (f *fakeDeliveries) Get(context.Context, types.ID) (*delivery.Delivery, error) {
	return f.current(), nil
}

func (f *fakeDeliveries) ActiveForRequest(context.Context, types.ID) (*delivery.Delivery, error) {
	if !f.d.Status.Active() {
		return nil, delivery.ErrNotFound
	}
	return f.current(), nil
}

func (f *fakeDeliveries) AssignCourier(_ context.Context, _ types.ID, courierID types.ID) (*delivery.Delivery, error) {
	f.d.CourierID = &courierID
	return f.current(), nil
}

func (f *fakeDeliveries) Advance(_ context.Context, _ types.ID, to delivery.Status, _ string, _ types.ID) (*delivery.Delivery, error) {
	if !delivery.CanTransition(f.d.Status, to) {
		return nil, delivery.ErrInvalidState
	}
	f.d.Status = to
	return f.current(), nil
}

func (f *fakeDeliveries) Cancel(context.Context, types.ID, string, string, types.ID) (*delivery.Delivery, error) {
	f.d.Status = delivery.StatusCancelled
	return f.current(), nil
}

func (f *fakeDeliveries) ConfirmPickup(_ context.Context, _ types.ID, code string, _ types.ID) (*delivery.Delivery, error) {
	if code != f.d.PickupCode {
		return nil, delivery.ErrCodeMismatch
	}
	f.d.Status = delivery.StatusInTransit
	return f.current(), nil
}

func (f *fakeDeliveries) RefreshEndpoints(_ context.Context, requestID types.ID) (*delivery.Delivery, bool, error) {
	f.refreshed = append(f.refreshed, requestID)
	if f.refreshErr != nil {
		return nil, false, f.refreshErr
	}
	return f.current(), true, nil
}

type fakeWaypoints struct{}

func (fakeWaypoints) AppendWaypoint(_ context.Context, rep location.Report) (*location.Waypoint, error) {
	if err := rep.Position.Validate(); err != nil {
		return nil, location.ErrMalformedReport
	}
	return &location.Waypoint{ID: 1, RequestID: rep.RequestID, ActorID: rep.ActorID, ActorRole: rep.ActorRole, Position: rep.Position}, nil
}

type fakeTracker struct {
	mu       sync.Mutex
	synced   []delivery.Delivery
	reported []types.Point
	couriers []types.ID
	at       []time.Time
	watching map[types.ID]bool
}

func (f *fakeTracker) Sync(_ context.Context, d *delivery.Delivery) (tracking.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, *d)
	return tracking.View{DeliveryID: d.ID, DeliveryStatus: d.Status}, nil
}

func (f *fakeTracker) ReportPosition(_ context.Context, id, courierID types.ID, p types.Point, at time.Time) (tracking.View, error) {
	if err := p.Validate(); err != nil {
		return tracking.View{}, tracking.ErrMalformedReport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, p)
	f.couriers = append(f.couriers, courierID)
	f.at = append(f.at, at)
	return tracking.View{DeliveryID: id}, nil
}

func (f *fakeTracker) Tracking(_ context.Context, id types.ID) (tracking.View, error) {
	return tracking.View{DeliveryID: id}, nil
}

func (f *fakeTracker) Watching(id types.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching[id]
}

func (f *fakeTracker) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}

type fakeDispatcher struct {
	courier types.ID
	err     error
}

func (f *fakeDispatcher) AutoAssign(_ context.Context, d *delivery.Delivery) (*delivery.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := *d
	out.CourierID = &f.courier
	return &out, nil
}

type fixture struct {
	f          *Fulfillment
	requests   *fakeRequests
	inbox      *fakeInbox
	arbiter    *fakeArbiter
	allocator  *fakeAllocator
	deliveries *fakeDeliveries
	tracker    *fakeTracker
}

func newFixture(dispatcher Dispatcher) fixture {
	fx := fixture{
		requests:  &fakeRequests{},
		inbox:     &fakeInbox{},
		arbiter:   &fakeArbiter{},
		allocator: &fakeAllocator{},
		deliveries: &fakeDeliveries{d: delivery.Delivery{
			ID: "del-1", RequestID: "req-1", Status: delivery.StatusAssigned, PickupCode: "123456",
			Pickup: &types.Point{Lat: 12.97, Lng: 77.59}, Drop: &types.Point{Lat: 12.93, Lng: 77.62},
		}},
		tracker: &fakeTracker{watching: map[types.ID]bool{}},
	}
	deps := Deps{
		Requests:   fx.requests,
		Inbox:      fx.inbox,
		Arbiter:    fx.arbiter,
		Allocator:  fx.allocator,
		Deliveries: fx.deliveries,
		Waypoints:  fakeWaypoints{},
		Tracker:    fx.tracker,
		Logger:     zap.NewNop(),
	}
	if dispatcher != nil {
		deps.Dispatcher = dispatcher
	}
	fx.f = NewFulfillment(deps)
	return fx
}

func TestOpenRequestFansOut(t *testing.T) {
	fx := newFixture(nil)
	r, entries, err := fx.f.OpenRequest(context.Background(), request.OpenCommand{BloodGroup: "O-"})
	require.NoError(t, err)
	assert.Equal(t, types.ID("req-1"), r.ID)
	assert.Len(t, entries, 2)
	assert.Equal(t, []types.ID{"req-1"}, fx.inbox.fanned)
}

func TestOpenRequestFanoutFailureKeepsRequest(t *testing.T) {
	fx := newFixture(nil)
	fx.inbox.err = errors.New("db down")
	r, entries, err := fx.f.OpenRequest(context.Background(), request.OpenCommand{BloodGroup: "O-"})
	require.Error(t, err)
	require.NotNil(t, r)
	assert.Nil(t, entries)
}

func TestCancelRequestExpiresInbox(t *testing.T) {
	fx := newFixture(nil)
	_, err := fx.f.CancelRequest(context.Background(), "req-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"req-1"}, fx.inbox.expired)

	fx.requests.err = request.ErrInvalidState
	_, err = fx.f.CancelRequest(context.Background(), "req-2", "user-1")
	assert.ErrorIs(t, err, request.ErrInvalidState)
	assert.Len(t, fx.inbox.expired, 1)
}

func acceptedBy(role inbox.Role) acceptance.Result {
	return acceptance.Result{
		Accepted: true,
		Request: &request.Request{
			ID: "req-1", BloodGroup: "B+", Component: "whole_blood", Quantity: 3, Status: request.StatusAccepted,
		},
		Entry: &inbox.Entry{ID: "ent-1", CandidateRole: role},
	}
}

func TestAcceptHospitalReserves(t *testing.T) {
	fx := newFixture(nil)
	fx.arbiter.res = acceptedBy(inbox.RoleHospital)
	fx.allocator.outcome = inventory.Reservation{Status: inventory.ReservationReserved, UnitIDs: []types.ID{"u1", "u2", "u3"}, Requested: 3, Available: 3}

	out, err := fx.f.Accept(context.Background(), acceptance.Command{RequestID: "req-1", CandidateID: "hosp-1", Role: inbox.RoleHospital})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	require.NotNil(t, out.Reservation)
	assert.Len(t, out.Reservation.UnitIDs, 3)
	assert.Empty(t, out.Warning)
	require.Len(t, fx.allocator.reserved, 1)
	assert.Equal(t, inventory.ReserveCommand{
		RequestID: "req-1", FacilityID: "hosp-1", BloodGroup: "B+", Component: "whole_blood", Quantity: 3,
	}, fx.allocator.reserved[0])
}

func TestAcceptUnderFulfilledWarns(t *testing.T) {
	fx := newFixture(nil)
	fx.arbiter.res = acceptedBy(inbox.RoleHospital)
	fx.allocator.outcome = inventory.Reservation{Status: inventory.ReservationInsufficient, Requested: 3, Available: 1}

	out, err := fx.f.Accept(context.Background(), acceptance.Command{RequestID: "req-1", CandidateID: "hosp-1", Role: inbox.RoleHospital})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, WarningInsufficientStock, out.Warning)
	assert.Equal(t, 2, out.Reservation.Shortfall())
}

func TestAcceptReservationFailureIsPending(t *testing.T) {
	fx := newFixture(nil)
	fx.arbiter.res = acceptedBy(inbox.RoleHospital)
	fx.allocator.err = errors.New("serialization failure")

	out, err := fx.f.Accept(context.Background(), acceptance.Command{RequestID: "req-1", CandidateID: "hosp-1", Role: inbox.RoleHospital})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Nil(t, out.Reservation)
	assert.Equal(t, WarningReservationPending, out.Warning)
}

func TestReserveOnlyForAcceptingFacility(t *testing.T) {
	fx := newFixture(nil)
	fx.requests.byID = map[types.ID]request.Request{
		"req-1": {ID: "req-1", Status: request.StatusAccepted, AcceptedBy: types.IDPtr("hosp-1"), AcceptedRole: "hospital"},
		"req-2": {ID: "req-2", Status: request.StatusPending},
		"req-3": {ID: "req-3", Status: request.StatusFulfilled, AcceptedBy: types.IDPtr("hosp-1"), AcceptedRole: "hospital"},
	}
	fx.allocator.outcome = inventory.Reservation{Status: inventory.ReservationReserved, UnitIDs: []types.ID{"u1"}, Requested: 1, Available: 1}
	ctx := context.Background()
	cmd := func(requestID, facility types.ID) inventory.ReserveCommand {
		return inventory.ReserveCommand{RequestID: requestID, FacilityID: facility, BloodGroup: "B+", Component: "whole_blood", Quantity: 1}
	}

	tests := []struct {
		name string
		cmd  inventory.ReserveCommand
		want error
	}{
		{name: "no request", cmd: cmd("", "hosp-1"), want: inventory.ErrBadRequest},
		{name: "unknown request", cmd: cmd("req-404", "hosp-1"), want: request.ErrNotFound},
		{name: "other facility", cmd: cmd("req-1", "hosp-2"), want: ErrNotAccepter},
		{name: "not accepted yet", cmd: cmd("req-2", "hosp-1"), want: ErrNotAccepter},
		{name: "already fulfilled", cmd: cmd("req-3", "hosp-1"), want: request.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.f.Reserve(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, fx.allocator.reserved)

	rsv, err := fx.f.Reserve(ctx, cmd("req-1", "hosp-1"))
	require.NoError(t, err)
	assert.True(t, rsv.Reserved())
	require.Len(t, fx.allocator.reserved, 1)
}

func TestAcceptSkipsReservation(t *testing.T) {
	tests := []struct {
		name string
		res  acceptance.Result
		role inbox.Role
	}{
		{name: "donor", res: acceptedBy(inbox.RoleDonor), role: inbox.RoleDonor},
		{name: "lost race", res: acceptance.Result{Reason: acceptance.ReasonAlreadyAccepted}, role: inbox.RoleHospital},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(nil)
			fx.arbiter.res = tt.res
			out, err := fx.f.Accept(context.Background(), acceptance.Command{RequestID: "req-1", CandidateID: "c-1", Role: tt.role})
			require.NoError(t, err)
			assert.Equal(t, tt.res.Accepted, out.Accepted)
			assert.Empty(t, fx.allocator.reserved)
			assert.Empty(t, out.Warning)
		})
	}
}

func TestCreateDeliveryStartsTracking(t *testing.T) {
	fx := newFixture(nil)
	d, err := fx.f.CreateDelivery(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Nil(t, d.CourierID)
	assert.Equal(t, 1, fx.tracker.syncCount())
}

func TestCreateDeliveryAutoAssign(t *testing.T) {
	fx := newFixture(&fakeDispatcher{courier: "courier-9"})
	d, err := fx.f.CreateDelivery(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, d.CourierID)
	assert.Equal(t, types.ID("courier-9"), *d.CourierID)
	require.Equal(t, 1, fx.tracker.syncCount())
	assert.Equal(t, types.ID("courier-9"), *fx.tracker.synced[0].CourierID)
}

func TestCreateDeliveryWithoutCourierStillSucceeds(t *testing.T) {
	fx := newFixture(&fakeDispatcher{err: matching.ErrNoCourier})
	d, err := fx.f.CreateDelivery(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Nil(t, d.CourierID)
}

func TestAdvanceToDeliveredCompletesRequest(t *testing.T) {
	fx := newFixture(nil)
	ctx := context.Background()
	_, err := fx.f.ConfirmPickup(ctx, "del-1", "123456", "courier-1")
	require.NoError(t, err)
	assert.Empty(t, fx.requests.fulfilled)

	d, err := fx.f.Advance(ctx, "del-1", delivery.StatusDelivered, "courier", "courier-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, d.Status)
	assert.Equal(t, []types.ID{"req-1"}, fx.requests.fulfilled)
	assert.Equal(t, []types.ID{"req-1"}, fx.allocator.consumed)
	assert.Equal(t, 2, fx.tracker.syncCount())

	_, err = fx.f.Advance(ctx, "del-1", delivery.StatusAssigned, "courier", "courier-1")
	assert.ErrorIs(t, err, delivery.ErrInvalidState)
	assert.Len(t, fx.requests.fulfilled, 1)
}

func TestCancelDeliveryClosesTracking(t *testing.T) {
	fx := newFixture(nil)
	d, err := fx.f.CancelDelivery(context.Background(), "del-1", "courier_unreachable", "hospital", "hosp-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusCancelled, d.Status)
	require.Equal(t, 1, fx.tracker.syncCount())
	assert.Equal(t, delivery.StatusCancelled, fx.tracker.synced[0].Status)
	assert.Empty(t, fx.requests.fulfilled)
}

func TestAppendWaypointRefreshesActiveDelivery(t *testing.T) {
	fx := newFixture(nil)
	ctx := context.Background()
	rep := location.Report{RequestID: "req-1", ActorID: "hosp-1", ActorRole: location.RoleHospital, Position: types.Point{Lat: 12.9, Lng: 77.6}, AccuracyM: 10}

	_, err := fx.f.AppendWaypoint(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"req-1"}, fx.deliveries.refreshed)
	assert.Equal(t, 1, fx.tracker.syncCount())

	fx.deliveries.refreshErr = delivery.ErrNotFound
	_, err = fx.f.AppendWaypoint(ctx, rep)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.tracker.syncCount())

	rep.Position = types.Point{Lat: 123, Lng: 0}
	_, err = fx.f.AppendWaypoint(ctx, rep)
	assert.ErrorIs(t, err, location.ErrMalformedReport)
	assert.Len(t, fx.deliveries.refreshed, 2)
}

func TestHandleTelemetry(t *testing.T) {
	fx := newFixture(nil)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	err := fx.f.HandleTelemetry("hemoroute/couriers/courier-1/deliveries/del-1/position", []byte(`{"lat":12.95,"lng":77.61,"recorded_at":"2026-03-01T09:30:00Z"}`))
	require.NoError(t, err)
	require.Len(t, fx.tracker.reported, 1)
	assert.Equal(t, types.Point{Lat: 12.95, Lng: 77.61}, fx.tracker.reported[0])
	assert.True(t, at.Equal(fx.tracker.at[0]))
	assert.Equal(t, types.ID("courier-1"), fx.tracker.couriers[0])

	require.NoError(t, fx.f.HandleTelemetry("hemoroute/couriers/courier-1/deliveries/del-1/position", []byte(`{"lat":0,"lng":0}`)))
	assert.True(t, fx.tracker.at[1].IsZero())

	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{name: "wrong suffix", topic: "hemoroute/couriers/courier-1/deliveries/del-1/status", payload: `{"lat":1,"lng":1}`, want: ErrBadTelemetry},
		{name: "empty id", topic: "hemoroute/couriers/courier-1/deliveries//position", payload: `{"lat":1,"lng":1}`, want: ErrBadTelemetry},
		{name: "empty courier", topic: "hemoroute/couriers//deliveries/del-1/position", payload: `{"lat":1,"lng":1}`, want: ErrBadTelemetry},
		{name: "no courier segment", topic: "hemoroute/deliveries/del-1/position", payload: `{"lat":1,"lng":1}`, want: ErrBadTelemetry},
		{name: "short topic", topic: "position", payload: `{"lat":1,"lng":1}`, want: ErrBadTelemetry},
		{name: "not json", topic: "hemoroute/couriers/courier-1/deliveries/del-1/position", payload: `lat=1`, want: ErrBadTelemetry},
		{name: "missing lng", topic: "hemoroute/couriers/courier-1/deliveries/del-1/position", payload: `{"lat":1}`, want: ErrBadTelemetry},
		{name: "out of range", topic: "hemoroute/couriers/courier-1/deliveries/del-1/position", payload: `{"lat":91,"lng":1}`, want: tracking.ErrMalformedReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, fx.f.HandleTelemetry(tt.topic, []byte(tt.payload)), tt.want)
		})
	}
	assert.Len(t, fx.tracker.reported, 2)
}

func TestRemoteEventsRefreshWatchedSessions(t *testing.T) {
	fx := newFixture(nil)
	hub := events.NewHub(zap.NewNop())
	bus := events.NewBus(hub, nil, "replica-a", zap.NewNop())
	handle := fx.f.RemoteEvents(bus)
	ctx := context.Background()

	sub := hub.Subscribe(events.TopicDeliveries, "req-1")
	defer sub.Close()

	remote := delivery.Delivery{ID: "del-1", RequestID: "req-1", Status: delivery.StatusInTransit}
	e, err := events.New(events.TopicDeliveries, "delivery.status_changed", events.KindUpdate, "req-1", "del-1", 3, time.Now(), remote)
	require.NoError(t, err)
	e.Origin = "replica-b"

	require.NoError(t, handle(ctx, e))
	select {
	case got := <-sub.C:
		assert.Equal(t, "delivery.status_changed", got.Type)
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered locally")
	}
	assert.Zero(t, fx.tracker.syncCount())

	fx.tracker.watching["del-1"] = true
	e.Version = 4
	require.NoError(t, handle(ctx, e))
	require.Equal(t, 1, fx.tracker.syncCount())
	assert.Equal(t, delivery.StatusInTransit, fx.tracker.synced[0].Status)
}

func TestRemoteEventsSkipStaleDeliveryState(t *testing.T) {
	fx := newFixture(nil)
	hub := events.NewHub(zap.NewNop())
	bus := events.NewBus(hub, nil, "replica-a", zap.NewNop())
	handle := fx.f.RemoteEvents(bus)
	ctx := context.Background()
	fx.tracker.watching["del-1"] = true

	newer := delivery.Delivery{ID: "del-1", RequestID: "req-1", Status: delivery.StatusInTransit, StatusVersion: 4}
	e, err := events.New(events.TopicDeliveries, "delivery.status_changed", events.KindUpdate, "req-1", "del-1", 5, time.Now(), newer)
	require.NoError(t, err)
	e.Origin = "replica-b"
	require.NoError(t, handle(ctx, e))

	older := delivery.Delivery{ID: "del-1", RequestID: "req-1", Status: delivery.StatusAssigned, StatusVersion: 2}
	late, err := events.New(events.TopicDeliveries, "delivery.courier_assigned", events.KindUpdate, "req-1", "del-1", 3, time.Now(), older)
	require.NoError(t, err)
	late.Origin = "replica-b"
	require.NoError(t, handle(ctx, late))

	require.NoError(t, handle(ctx, e))

	require.Equal(t, 1, fx.tracker.syncCount())
	assert.Equal(t, delivery.StatusInTransit, fx.tracker.synced[0].Status)
}
