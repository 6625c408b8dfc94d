// README: Fulfillment coordinator; sequences request, inbox, arbiter, allocator, dispatch and tracking.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

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

// Warnings are attached to a successful outcome whose follow-up did not
// complete. They never undo the primary step.
const (
	WarningInsufficientStock  = "insufficient_stock"
	WarningReservationPending = "reservation_pending"
)

var ErrNotAccepter = errors.New("facility has not accepted this request")

type Requests interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	Open(ctx context.Context, cmd request.OpenCommand) (*request.Request, error)
	Cancel(ctx context.Context, id, actorID types.ID) (*request.Request, error)
	Fulfill(ctx context.Context, id types.ID) (*request.Request, error)
}

type Inbox interface {
	Fanout(ctx context.Context, r *request.Request) ([]inbox.Entry, error)
	ExpireForRequest(ctx context.Context, requestID types.ID) ([]inbox.Entry, error)
}

type Arbiter interface {
	Accept(ctx context.Context, cmd acceptance.Command) (acceptance.Result, error)
}

type Allocator interface {
	Reserve(ctx context.Context, cmd inventory.ReserveCommand) (inventory.Reservation, error)
	Consume(ctx context.Context, requestID types.ID) (int64, error)
}

type Deliveries interface {
	Create(ctx context.Context, requestID types.ID) (*delivery.Delivery, error)
	Get(ctx context.Context, id types.ID) (*delivery.Delivery, error)
	ActiveForRequest(ctx context.Context, requestID types.ID) (*delivery.Delivery, error)
	AssignCourier(ctx context.Context, id, courierID types.ID) (*delivery.Delivery, error)
	Advance(ctx context.Context, id types.ID, to delivery.Status, actorType string, actorID types.ID) (*delivery.Delivery, error)
	Cancel(ctx context.Context, id types.ID, reason, actorType string, actorID types.ID) (*delivery.Delivery, error)
	ConfirmPickup(ctx context.Context, id types.ID, code string, courierID types.ID) (*delivery.Delivery, error)
	RefreshEndpoints(ctx context.Context, requestID types.ID) (*delivery.Delivery, bool, error)
}

type Waypoints interface {
	AppendWaypoint(ctx context.Context, rep location.Report) (*location.Waypoint, error)
}

type Tracker interface {
	Sync(ctx context.Context, d *delivery.Delivery) (tracking.View, error)
	ReportPosition(ctx context.Context, deliveryID, courierID types.ID, p types.Point, at time.Time) (tracking.View, error)
	Tracking(ctx context.Context, deliveryID types.ID) (tracking.View, error)
	Watching(deliveryID types.ID) bool
}

// Dispatcher picks a courier for a fresh delivery. Nil disables auto-assign.
type Dispatcher interface {
	AutoAssign(ctx context.Context, d *delivery.Delivery) (*delivery.Delivery, error)
}

type Deps struct {
	Requests   Requests
	Inbox      Inbox
	Arbiter    Arbiter
	Allocator  Allocator
	Deliveries Deliveries
	Waypoints  Waypoints
	Tracker    Tracker
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

type Fulfillment struct {
	requests   Requests
	inbox      Inbox
	arbiter    Arbiter
	allocator  Allocator
	deliveries Deliveries
	waypoints  Waypoints
	tracker    Tracker
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewFulfillment(deps Deps) *Fulfillment {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fulfillment{
		requests:   deps.Requests,
		inbox:      deps.Inbox,
		arbiter:    deps.Arbiter,
		allocator:  deps.Allocator,
		deliveries: deps.Deliveries,
		waypoints:  deps.Waypoints,
		tracker:    deps.Tracker,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}
}

// OpenRequest creates the request and fans it out. A fanout failure leaves
// the request open and is returned alongside it.
func (f *Fulfillment) OpenRequest(ctx context.Context, cmd request.OpenCommand) (*request.Request, []inbox.Entry, error) {
	r, err := f.requests.Open(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	entries, err := f.inbox.Fanout(ctx, r)
	if err != nil {
		f.logger.Error("fanout failed", zap.String("request_id", r.ID.String()), zap.Error(err))
		return r, nil, fmt.Errorf("fanout: %w", err)
	}
	return r, entries, nil
}

func (f *Fulfillment) CancelRequest(ctx context.Context, id, actorID types.ID) (*request.Request, error) {
	r, err := f.requests.Cancel(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := f.inbox.ExpireForRequest(ctx, id); err != nil {
		f.logger.Warn("expire inbox after cancel failed", zap.String("request_id", id.String()), zap.Error(err))
	}
	return r, nil
}

type AcceptOutcome struct {
	acceptance.Result
	Reservation *inventory.Reservation `json:"reservation,omitempty"`
	Warning     string                 `json:"warning,omitempty"`
}

// Accept runs the arbiter and, for a winning hospital, reserves stock at
// that facility. Under-fulfillment is reported as a warning; the acceptance
// stands either way.
func (f *Fulfillment) Accept(ctx context.Context, cmd acceptance.Command) (AcceptOutcome, error) {
	res, err := f.arbiter.Accept(ctx, cmd)
	if err != nil {
		return AcceptOutcome{}, err
	}
	out := AcceptOutcome{Result: res}
	if !res.Accepted || cmd.Role != inbox.RoleHospital || res.Request == nil {
		return out, nil
	}

	r := res.Request
	rsv, err := f.allocator.Reserve(ctx, inventory.ReserveCommand{
		RequestID:  r.ID,
		FacilityID: cmd.CandidateID,
		BloodGroup: r.BloodGroup,
		Component:  r.Component,
		Quantity:   r.Quantity,
	})
	if err != nil {
		f.logger.Warn("reservation after accept failed",
			zap.String("request_id", r.ID.String()),
			zap.String("facility_id", cmd.CandidateID.String()),
			zap.Error(err))
		out.Warning = WarningReservationPending
		return out, nil
	}
	out.Reservation = &rsv
	if rsv.Status == inventory.ReservationInsufficient {
		f.logger.Warn("accepted request under-fulfilled",
			zap.String("request_id", r.ID.String()),
			zap.Int("requested", rsv.Requested),
			zap.Int("available", rsv.Available))
		out.Warning = WarningInsufficientStock
	}
	return out, nil
}

// Reserve is the explicit retry path for an accepted request whose
// reservation has not completed. Only the accepting facility may reserve.
func (f *Fulfillment) Reserve(ctx context.Context, cmd inventory.ReserveCommand) (inventory.Reservation, error) {
	if cmd.RequestID == "" {
		return inventory.Reservation{}, inventory.ErrBadRequest
	}
	r, err := f.requests.Get(ctx, cmd.RequestID)
	if err != nil {
		return inventory.Reservation{}, err
	}
	if r.AcceptedBy == nil || *r.AcceptedBy != cmd.FacilityID {
		f.logger.Warn("reservation by non-accepting facility",
			zap.String("request_id", cmd.RequestID.String()),
			zap.String("facility_id", cmd.FacilityID.String()))
		return inventory.Reservation{}, ErrNotAccepter
	}
	if r.Status != request.StatusAccepted {
		return inventory.Reservation{}, request.ErrInvalidState
	}
	return f.allocator.Reserve(ctx, cmd)
}

// CreateDelivery opens dispatch for an accepted request, starts tracking and
// optionally binds the nearest courier.
func (f *Fulfillment) CreateDelivery(ctx context.Context, requestID types.ID) (*delivery.Delivery, error) {
	d, err := f.deliveries.Create(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if f.dispatcher != nil && d.CourierID == nil {
		bound, err := f.dispatcher.AutoAssign(ctx, d)
		switch {
		case err == nil:
			d = bound
		case errors.Is(err, matching.ErrNoCourier), errors.Is(err, matching.ErrNoPickup):
			f.logger.Info("delivery left unassigned", zap.String("delivery_id", d.ID.String()), zap.Error(err))
		default:
			f.logger.Warn("auto-assign failed", zap.String("delivery_id", d.ID.String()), zap.Error(err))
		}
	}
	f.sync(ctx, d)
	return d, nil
}

func (f *Fulfillment) Delivery(ctx context.Context, id types.ID) (*delivery.Delivery, error) {
	return f.deliveries.Get(ctx, id)
}

func (f *Fulfillment) ActiveDelivery(ctx context.Context, requestID types.ID) (*delivery.Delivery, error) {
	return f.deliveries.ActiveForRequest(ctx, requestID)
}

func (f *Fulfillment) AssignCourier(ctx context.Context, id, courierID types.ID) (*delivery.Delivery, error) {
	d, err := f.deliveries.AssignCourier(ctx, id, courierID)
	if err != nil {
		return nil, err
	}
	f.sync(ctx, d)
	return d, nil
}

// Advance moves a delivery forward. Delivery completion fulfils the request
// and consumes its reserved units; those follow-ups are logged on failure.
func (f *Fulfillment) Advance(ctx context.Context, id types.ID, to delivery.Status, actorType string, actorID types.ID) (*delivery.Delivery, error) {
	d, err := f.deliveries.Advance(ctx, id, to, actorType, actorID)
	if err != nil {
		return nil, err
	}
	if d.Status == delivery.StatusDelivered {
		f.complete(ctx, d)
	}
	f.sync(ctx, d)
	return d, nil
}

func (f *Fulfillment) CancelDelivery(ctx context.Context, id types.ID, reason, actorType string, actorID types.ID) (*delivery.Delivery, error) {
	d, err := f.deliveries.Cancel(ctx, id, reason, actorType, actorID)
	if err != nil {
		return nil, err
	}
	f.sync(ctx, d)
	return d, nil
}

func (f *Fulfillment) ConfirmPickup(ctx context.Context, id types.ID, code string, courierID types.ID) (*delivery.Delivery, error) {
	d, err := f.deliveries.ConfirmPickup(ctx, id, code, courierID)
	if err != nil {
		return nil, err
	}
	f.sync(ctx, d)
	return d, nil
}

// AppendWaypoint stores the report and pushes changed endpoints into the
// active delivery, which triggers a route recompute.
func (f *Fulfillment) AppendWaypoint(ctx context.Context, rep location.Report) (*location.Waypoint, error) {
	w, err := f.waypoints.AppendWaypoint(ctx, rep)
	if err != nil {
		return nil, err
	}
	d, _, err := f.deliveries.RefreshEndpoints(ctx, rep.RequestID)
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		return w, nil
	case err != nil:
		f.logger.Warn("refresh delivery endpoints failed", zap.String("request_id", rep.RequestID.String()), zap.Error(err))
		return w, nil
	}
	f.sync(ctx, d)
	return w, nil
}

func (f *Fulfillment) ReportPosition(ctx context.Context, deliveryID, courierID types.ID, p types.Point, at time.Time) (tracking.View, error) {
	return f.tracker.ReportPosition(ctx, deliveryID, courierID, p, at)
}

func (f *Fulfillment) Tracking(ctx context.Context, deliveryID types.ID) (tracking.View, error) {
	return f.tracker.Tracking(ctx, deliveryID)
}

func (f *Fulfillment) complete(ctx context.Context, d *delivery.Delivery) {
	if _, err := f.requests.Fulfill(ctx, d.RequestID); err != nil {
		f.logger.Warn("fulfil request failed", zap.String("request_id", d.RequestID.String()), zap.Error(err))
	}
	n, err := f.allocator.Consume(ctx, d.RequestID)
	if err != nil {
		f.logger.Warn("consume reserved units failed", zap.String("request_id", d.RequestID.String()), zap.Error(err))
		return
	}
	f.logger.Info("delivery completed",
		zap.String("delivery_id", d.ID.String()),
		zap.String("request_id", d.RequestID.String()),
		zap.Int64("units_consumed", n))
}

func (f *Fulfillment) sync(ctx context.Context, d *delivery.Delivery) {
	if _, err := f.tracker.Sync(ctx, d); err != nil {
		f.logger.Warn("tracking sync failed", zap.String("delivery_id", d.ID.String()), zap.Error(err))
	}
}
