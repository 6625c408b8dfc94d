// README: Location service: waypoint intake, endpoint resolution and courier position fan-out.
package location

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

var (
	ErrMalformedReport = errors.New("malformed location report")
	ErrBadRequest      = errors.New("bad request")
)

type Repository interface {
	AppendWaypoint(ctx context.Context, w *Waypoint) error
	BestWaypoint(ctx context.Context, requestID types.ID, role ActorRole, maxAccuracyM float64) (*Waypoint, error)
	CountWaypoints(ctx context.Context, requestID types.ID) (int, error)
	ProfileCoordinate(ctx context.Context, actorID types.ID) (*types.Point, error)
}

// CourierGeo keeps the last known position per courier.
type CourierGeo interface {
	SetCourier(ctx context.Context, courierID types.ID, p types.Point) error
	Courier(ctx context.Context, courierID types.ID) (*types.Point, error)
}

// Mirror republishes a delivery's latest courier position to clients that
// read it outside this process.
type Mirror interface {
	MirrorPosition(ctx context.Context, deliveryID types.ID, p types.Point, at time.Time) error
}

type Service struct {
	repo          Repository
	geo           CourierGeo
	mirror        Mirror
	pub           events.Publisher
	clock         clock.Clock
	logger        *zap.Logger
	highAccuracyM float64
}

func NewService(repo Repository, geo CourierGeo, mirror Mirror, pub events.Publisher, clk clock.Clock, logger *zap.Logger, highAccuracyM float64) *Service {
	return &Service{
		repo:          repo,
		geo:           geo,
		mirror:        mirror,
		pub:           pub,
		clock:         clk,
		logger:        logger,
		highAccuracyM: highAccuracyM,
	}
}

// AppendWaypoint stores a validated report. Out-of-range coordinates are
// logged and dropped.
func (s *Service) AppendWaypoint(ctx context.Context, rep Report) (*Waypoint, error) {
	if rep.RequestID == "" || rep.ActorID == "" || !rep.ActorRole.Valid() {
		return nil, ErrBadRequest
	}
	if err := rep.Position.Validate(); err != nil || rep.AccuracyM < 0 || math.IsNaN(rep.AccuracyM) || math.IsInf(rep.AccuracyM, 0) {
		s.logger.Warn("waypoint dropped",
			zap.String("request_id", rep.RequestID.String()),
			zap.String("actor_id", rep.ActorID.String()),
			zap.Float64("lat", rep.Position.Lat),
			zap.Float64("lng", rep.Position.Lng),
			zap.Float64("accuracy_m", rep.AccuracyM))
		return nil, ErrMalformedReport
	}

	w := &Waypoint{
		RequestID:  rep.RequestID,
		ActorID:    rep.ActorID,
		ActorRole:  rep.ActorRole,
		Position:   rep.Position,
		AccuracyM:  rep.AccuracyM,
		RecordedAt: s.clock.Now(),
	}
	if err := s.repo.AppendWaypoint(ctx, w); err != nil {
		return nil, err
	}
	if w.ActorRole == RoleCourier {
		s.setCourier(ctx, w.ActorID, w.Position)
	}

	e, err := events.New(events.TopicWaypoints, "waypoint.appended", events.KindInsert,
		w.RequestID.String(), w.RequestID.String()+"/"+w.ActorID.String(), 0, w.RecordedAt, w)
	if err == nil {
		err = s.pub.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("publish waypoint event failed", zap.Error(err))
	}
	return w, nil
}

// Endpoints resolves pickup from waypoints carrying the accepting role and
// drop from waypoints carrying the patient role. Roles are assigned per
// request party, so each role names one side. Each side prefers the most
// recent high-accuracy waypoint, then the party's profile coordinate; drop
// finally falls back to the patient coordinate on the request.
func (s *Service) Endpoints(ctx context.Context, r *request.Request) (*types.Point, *types.Point, error) {
	var pickup *types.Point
	if r.AcceptedBy != nil {
		p, err := s.resolveSide(ctx, r.ID, ActorRole(r.AcceptedRole), *r.AcceptedBy)
		if err != nil {
			return nil, nil, err
		}
		pickup = p
	}
	drop, err := s.resolveSide(ctx, r.ID, RolePatient, r.RequesterID)
	if err != nil {
		return nil, nil, err
	}
	if drop == nil && r.PatientLocation != nil {
		p := *r.PatientLocation
		drop = &p
	}
	return pickup, drop, nil
}

// WaypointVersion changes whenever a waypoint is added to the request.
func (s *Service) WaypointVersion(ctx context.Context, requestID types.ID) (int, error) {
	return s.repo.CountWaypoints(ctx, requestID)
}

// TrackCourier records a live position for a delivery: last known courier
// position plus the external mirror. Both are best effort.
func (s *Service) TrackCourier(ctx context.Context, deliveryID types.ID, courierID *types.ID, p types.Point, at time.Time) {
	if courierID != nil {
		s.setCourier(ctx, *courierID, p)
	}
	if s.mirror == nil {
		return
	}
	if err := s.mirror.MirrorPosition(ctx, deliveryID, p, at); err != nil {
		s.logger.Warn("mirror position failed", zap.String("delivery_id", deliveryID.String()), zap.Error(err))
	}
}

func (s *Service) CourierPosition(ctx context.Context, courierID types.ID) (*types.Point, error) {
	if s.geo == nil {
		return nil, nil
	}
	return s.geo.Courier(ctx, courierID)
}

func (s *Service) resolveSide(ctx context.Context, requestID types.ID, role ActorRole, actorID types.ID) (*types.Point, error) {
	if role.Valid() {
		w, err := s.repo.BestWaypoint(ctx, requestID, role, s.highAccuracyM)
		if err != nil {
			return nil, err
		}
		if w != nil {
			p := w.Position
			return &p, nil
		}
	}
	return s.repo.ProfileCoordinate(ctx, actorID)
}

func (s *Service) setCourier(ctx context.Context, courierID types.ID, p types.Point) {
	if s.geo == nil {
		return
	}
	if err := s.geo.SetCourier(ctx, courierID, p); err != nil {
		s.logger.Warn("update courier geo failed", zap.String("courier_id", courierID.String()), zap.Error(err))
	}
}
