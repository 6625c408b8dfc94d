// README: Delivery dispatch: create from an accepted request, bind courier, advance, pickup code.
package delivery

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

var (
	ErrNotFound           = errors.New("delivery not found")
	ErrInvalidState       = errors.New("invalid delivery state transition")
	ErrConflict           = errors.New("delivery state conflict")
	ErrBadRequest         = errors.New("bad request")
	ErrActiveExists       = errors.New("request already has an active delivery")
	ErrRequestNotAccepted = errors.New("request is not accepted")
	ErrCodeMismatch       = errors.New("pickup code mismatch")
	ErrCodeUsed           = errors.New("pickup code already used")
	ErrNotCourier         = errors.New("caller is not the delivery's courier")
)

type Repository interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id types.ID) (*Delivery, error)
	ActiveForRequest(ctx context.Context, requestID types.ID) (*Delivery, error)
	BindCourier(ctx context.Context, id, courierID types.ID, version int, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time, reason *string) (bool, error)
	UsePickupCode(ctx context.Context, id types.ID, code string, version int, at time.Time) (bool, error)
	UpdateEndpoints(ctx context.Context, id types.ID, ep Endpoints, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type RequestReader interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
}

// EndpointResolver picks pickup and drop coordinates for an accepted request.
type EndpointResolver interface {
	Endpoints(ctx context.Context, r *request.Request) (pickup, drop *types.Point, err error)
}

type Service struct {
	repo     Repository
	requests RequestReader
	resolver EndpointResolver
	pub      events.Publisher
	clock    clock.Clock
	logger   *zap.Logger
	newCode  func() (string, error)
}

func NewService(repo Repository, requests RequestReader, resolver EndpointResolver, pub events.Publisher, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		requests: requests,
		resolver: resolver,
		pub:      pub,
		clock:    clk,
		logger:   logger,
		newCode:  pickupCode,
	}
}

// Create opens the delivery for an accepted request. It is idempotent: while
// an active delivery exists for the request that delivery is returned.
func (s *Service) Create(ctx context.Context, requestID types.ID) (*Delivery, error) {
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != request.StatusAccepted {
		return nil, ErrRequestNotAccepted
	}
	if d, err := s.repo.ActiveForRequest(ctx, requestID); err == nil {
		return d, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ep := s.resolve(ctx, r)
	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generate pickup code: %w", err)
	}
	now := s.clock.Now()
	d := &Delivery{
		ID:         types.NewID(),
		RequestID:  requestID,
		Status:     StatusAssigned,
		Pickup:     ep.Pickup,
		Drop:       ep.Drop,
		PickupCode: code,
		CreatedAt:  now,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		if errors.Is(err, ErrActiveExists) {
			return s.repo.ActiveForRequest(ctx, requestID)
		}
		return nil, err
	}
	s.audit(ctx, d.ID, StatusNone, StatusAssigned, "system", nil)
	s.publish(ctx, "delivery.created", events.KindInsert, d)
	if !ep.Complete() {
		s.logger.Warn("delivery created without full endpoints",
			zap.String("delivery_id", d.ID.String()),
			zap.Bool("has_pickup", ep.Pickup != nil),
			zap.Bool("has_drop", ep.Drop != nil))
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ActiveForRequest(ctx context.Context, requestID types.ID) (*Delivery, error) {
	return s.repo.ActiveForRequest(ctx, requestID)
}

// AssignCourier binds a courier. A delivery that already has one is returned
// unchanged.
func (s *Service) AssignCourier(ctx context.Context, id, courierID types.ID) (*Delivery, error) {
	if courierID == "" {
		return nil, ErrBadRequest
	}
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.CourierID != nil {
		return d, nil
	}
	if !d.Status.Active() {
		return nil, ErrInvalidState
	}
	now := s.clock.Now()
	ok, err := s.repo.BindCourier(ctx, d.ID, courierID, d.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.CourierID != nil {
			return cur, nil
		}
		return nil, ErrConflict
	}
	d.CourierID = &courierID
	d.CourierBoundAt = &now
	d.StatusVersion++
	s.logger.Info("courier bound", zap.String("delivery_id", d.ID.String()), zap.String("courier_id", courierID.String()))
	s.publish(ctx, "delivery.courier_bound", events.KindUpdate, d)
	return d, nil
}

// Advance moves a delivery along a forward edge; anything else is
// ErrInvalidState.
func (s *Service) Advance(ctx context.Context, id types.ID, to Status, actorType string, actorID types.ID) (*Delivery, error) {
	return s.transition(ctx, id, to, actorType, actorID, nil)
}

func (s *Service) Cancel(ctx context.Context, id types.ID, reason, actorType string, actorID types.ID) (*Delivery, error) {
	reason = strings.TrimSpace(reason)
	var r *string
	if reason != "" {
		r = &reason
	}
	return s.transition(ctx, id, StatusCancelled, actorType, actorID, r)
}

// ConfirmPickup checks the single-use code presented by the bound courier and
// moves the delivery in transit.
func (s *Service) ConfirmPickup(ctx context.Context, id types.ID, code string, courierID types.ID) (*Delivery, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.CourierID == nil || *d.CourierID != courierID {
		return nil, ErrNotCourier
	}
	if d.PickupCodeUsedAt != nil {
		return nil, ErrCodeUsed
	}
	if d.Status != StatusAssigned {
		return nil, ErrInvalidState
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(d.PickupCode)) != 1 {
		return nil, ErrCodeMismatch
	}
	now := s.clock.Now()
	ok, err := s.repo.UsePickupCode(ctx, d.ID, d.PickupCode, d.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	d.Status = StatusInTransit
	d.StatusVersion++
	d.PickupCodeUsedAt = &now
	d.PickedUpAt = &now
	s.audit(ctx, d.ID, StatusAssigned, StatusInTransit, "courier", types.IDPtr(courierID))
	s.publish(ctx, "delivery.in_transit", events.KindUpdate, d)
	return d, nil
}

// RefreshEndpoints re-resolves pickup and drop for the request's active
// delivery. It reports whether anything changed.
func (s *Service) RefreshEndpoints(ctx context.Context, requestID types.ID) (*Delivery, bool, error) {
	d, err := s.repo.ActiveForRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	ep := s.resolve(ctx, r)
	if ep.Equal(Endpoints{Pickup: d.Pickup, Drop: d.Drop}) {
		return d, false, nil
	}
	ok, err := s.repo.UpdateEndpoints(ctx, d.ID, ep, d.StatusVersion)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrConflict
	}
	d.Pickup, d.Drop = ep.Pickup, ep.Drop
	d.StatusVersion++
	s.publish(ctx, "delivery.endpoints_changed", events.KindUpdate, d)
	return d, true, nil
}

func (s *Service) transition(ctx context.Context, id types.ID, to Status, actorType string, actorID types.ID, reason *string) (*Delivery, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.Status, to) {
		return nil, ErrInvalidState
	}
	now := s.clock.Now()
	ok, err := s.repo.UpdateStatus(ctx, d.ID, d.Status, to, d.StatusVersion, now, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := d.Status
	d.Status = to
	d.StatusVersion++
	switch to {
	case StatusInTransit:
		d.PickedUpAt = &now
	case StatusDelivered:
		d.DeliveredAt = &now
	case StatusCancelled:
		d.CancelledAt = &now
		if reason != nil {
			d.CancelReason = reason
		}
	}
	s.audit(ctx, d.ID, from, to, actorType, types.IDPtr(actorID))
	s.publish(ctx, "delivery."+string(to), events.KindUpdate, d)
	return d, nil
}

func (s *Service) resolve(ctx context.Context, r *request.Request) Endpoints {
	if s.resolver == nil {
		return Endpoints{}
	}
	pickup, drop, err := s.resolver.Endpoints(ctx, r)
	if err != nil {
		s.logger.Warn("resolve delivery endpoints failed", zap.String("request_id", r.ID.String()), zap.Error(err))
		return Endpoints{}
	}
	return Endpoints{Pickup: pickup, Drop: drop}
}

func (s *Service) audit(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.repo.AppendEvent(ctx, &Event{
		DeliveryID: id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("append delivery event failed", zap.String("delivery_id", id.String()), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, typ string, kind events.Kind, d *Delivery) {
	e, err := events.New(events.TopicDeliveries, typ, kind, d.ID.String(), d.ID.String(), int64(d.StatusVersion)+1, s.clock.Now(), d)
	if err == nil {
		e.Final = d.Status == StatusDelivered || d.Status == StatusCancelled
		err = s.pub.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("publish delivery event failed", zap.String("type", typ), zap.Error(err))
	}
}

// pickupCode is a uniformly random six-digit code.
func pickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
