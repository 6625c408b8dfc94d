// README: Tracking engine: per-delivery sessions, position intake, idempotent route recompute and staleness.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/maps"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/pricing"
	"hemoroute/internal/types"
)

var (
	ErrMalformedReport = errors.New("malformed position report")
	ErrInactive        = errors.New("delivery is not active")
)

type DeliveryReader interface {
	Get(ctx context.Context, id types.ID) (*delivery.Delivery, error)
}

// WaypointVersioner versions the waypoint set that feeds route inputs.
type WaypointVersioner interface {
	WaypointVersion(ctx context.Context, requestID types.ID) (int, error)
}

// CourierTracker receives every accepted position for out-of-process
// observers.
type CourierTracker interface {
	TrackCourier(ctx context.Context, deliveryID types.ID, courierID *types.ID, p types.Point, at time.Time)
}

type PositionRepository interface {
	AppendPosition(ctx context.Context, deliveryID types.ID, p types.Point, at time.Time) error
	RecentPositions(ctx context.Context, deliveryID types.ID, limit int) ([]Position, error)
}

type Options struct {
	PathCap      int
	StaleAfter   time.Duration
	RouteTimeout time.Duration
	Rate         pricing.Rate
}

type Engine struct {
	mu       sync.RWMutex
	sessions map[types.ID]*session

	repo       PositionRepository
	deliveries DeliveryReader
	waypoints  WaypointVersioner
	tracker    CourierTracker
	provider   maps.RouteProvider
	pub        events.Publisher
	clock      clock.Clock
	logger     *zap.Logger
	opts       Options
}

// session is the state of one delivery; it never shares mutable state with
// another delivery's session.
type session struct {
	mu          sync.Mutex
	deliveryID  types.ID
	requestID   types.ID
	courierID   *types.ID
	status      delivery.Status
	version     int
	pickup      *types.Point
	drop        *types.Point
	wpVersion   int
	path        *PathBuffer
	latest      *Position
	lastSeen    time.Time
	degraded    bool
	route       *maps.Route
	routeKey    string
	routeReason string
	routeAt     *time.Time
	stale       bool
}

func NewEngine(repo PositionRepository, deliveries DeliveryReader, waypoints WaypointVersioner, tracker CourierTracker,
	provider maps.RouteProvider, pub events.Publisher, clk clock.Clock, logger *zap.Logger, opts Options) *Engine {
	if opts.PathCap <= 0 {
		opts.PathCap = 500
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 8 * time.Second
	}
	if opts.Rate == (pricing.Rate{}) {
		opts.Rate = pricing.DefaultRate
	}
	return &Engine{
		sessions:   make(map[types.ID]*session),
		repo:       repo,
		deliveries: deliveries,
		waypoints:  waypoints,
		tracker:    tracker,
		provider:   provider,
		pub:        pub,
		clock:      clk,
		logger:     logger,
		opts:       opts,
	}
}

// Sync applies a delivery's current state to its session and recomputes the
// route when inputs changed. Terminal deliveries close the session.
func (e *Engine) Sync(ctx context.Context, d *delivery.Delivery) (View, error) {
	s, err := e.session(ctx, d.ID, d)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	applied := s.apply(d)
	status := s.status
	s.mu.Unlock()
	if !applied {
		e.logger.Debug("older delivery state ignored",
			zap.String("delivery_id", d.ID.String()), zap.Int("status_version", d.StatusVersion))
		return e.view(s), nil
	}

	if err := e.refreshInputs(ctx, s); err != nil {
		return View{}, err
	}
	e.refreshRoute(ctx, s)
	v := e.view(s)
	if !status.Active() {
		e.Close(ctx, d.ID)
	}
	return v, nil
}

// ReportPosition records a position from the delivery's bound courier. Only
// the marker and path change; the route is left alone.
func (e *Engine) ReportPosition(ctx context.Context, deliveryID, courierID types.ID, p types.Point, at time.Time) (View, error) {
	if err := p.Validate(); err != nil {
		e.logger.Warn("position dropped",
			zap.String("delivery_id", deliveryID.String()),
			zap.Float64("lat", p.Lat),
			zap.Float64("lng", p.Lng))
		return View{}, ErrMalformedReport
	}
	now := e.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	s, err := e.session(ctx, deliveryID, nil)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	active := s.status.Active()
	bound := s.courierID
	s.mu.Unlock()
	if !active {
		return View{}, ErrInactive
	}
	if bound == nil || *bound != courierID {
		e.logger.Warn("position from unbound courier rejected",
			zap.String("delivery_id", deliveryID.String()), zap.String("courier_id", courierID.String()))
		return View{}, delivery.ErrNotCourier
	}

	if err := e.repo.AppendPosition(ctx, deliveryID, p, at); err != nil {
		return View{}, fmt.Errorf("append rider position: %w", err)
	}
	pos := Position{Point: p, RecordedAt: at}
	s.mu.Lock()
	s.path.Push(pos)
	s.latest = &pos
	s.lastSeen = now
	s.degraded = false
	s.mu.Unlock()

	if e.tracker != nil {
		e.tracker.TrackCourier(ctx, deliveryID, bound, p, at)
	}
	v := e.view(s)
	e.publish(ctx, "tracking.position", deliveryID, positionEvent{
		DeliveryID:  deliveryID,
		Position:    pos,
		Mode:        v.Mode,
		RemainingKm: v.RemainingKm,
	})
	return v, nil
}

// Tracking returns the current view, picking up waypoint changes first.
func (e *Engine) Tracking(ctx context.Context, deliveryID types.ID) (View, error) {
	s, err := e.session(ctx, deliveryID, nil)
	if err != nil {
		return View{}, err
	}
	if err := e.refreshInputs(ctx, s); err != nil {
		return View{}, err
	}
	e.refreshRoute(ctx, s)
	return e.view(s), nil
}

// Watching reports whether this process holds a session for the delivery.
func (e *Engine) Watching(deliveryID types.ID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[deliveryID]
	return ok
}

func (e *Engine) Close(ctx context.Context, deliveryID types.ID) {
	e.mu.Lock()
	_, ok := e.sessions[deliveryID]
	delete(e.sessions, deliveryID)
	e.mu.Unlock()
	if ok {
		e.publish(ctx, "tracking.closed", deliveryID, map[string]string{"delivery_id": deliveryID.String()})
	}
}

// CheckStale degrades sessions without a position inside the stale window
// and emits tracking.degraded once per silence. It returns how many
// sessions degraded.
func (e *Engine) CheckStale(ctx context.Context) int {
	e.mu.RLock()
	list := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	n := 0
	for _, s := range list {
		s.mu.Lock()
		degrade := s.latest != nil && !s.degraded && now.Sub(s.lastSeen) > e.opts.StaleAfter
		if degrade {
			s.degraded = true
		}
		id, latest := s.deliveryID, s.latest
		s.mu.Unlock()
		if !degrade {
			continue
		}
		n++
		e.logger.Info("tracking degraded to last known position", zap.String("delivery_id", id.String()))
		e.publish(ctx, "tracking.degraded", id, positionEvent{DeliveryID: id, Position: *latest, Mode: ModeLastKnown})
	}
	return n
}

func (e *Engine) RunStaleMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckStale(ctx)
		}
	}
}

type positionEvent struct {
	DeliveryID  types.ID `json:"delivery_id"`
	Position    Position `json:"position"`
	Mode        Mode     `json:"mode"`
	RemainingKm *float64 `json:"remaining_km,omitempty"`
}

// session returns the cached session or builds one from the delivery and
// its persisted trailing path.
func (e *Engine) session(ctx context.Context, deliveryID types.ID, d *delivery.Delivery) (*session, error) {
	e.mu.RLock()
	s, ok := e.sessions[deliveryID]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	if d == nil {
		var err error
		if d, err = e.deliveries.Get(ctx, deliveryID); err != nil {
			return nil, err
		}
	}
	s = &session{deliveryID: d.ID, requestID: d.RequestID, path: NewPathBuffer(e.opts.PathCap)}
	s.apply(d)
	recent, err := e.repo.RecentPositions(ctx, d.ID, e.opts.PathCap)
	if err != nil {
		return nil, fmt.Errorf("load rider positions: %w", err)
	}
	for _, p := range recent {
		s.path.Push(p)
	}
	if n := len(recent); n > 0 {
		last := recent[n-1]
		s.latest = &last
		s.lastSeen = last.RecordedAt
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[deliveryID]; ok {
		return cur, nil
	}
	if d.Status.Active() {
		e.sessions[deliveryID] = s
	}
	return s, nil
}

// apply takes d unless it is older than the state the session holds.
func (s *session) apply(d *delivery.Delivery) bool {
	if d.StatusVersion < s.version {
		return false
	}
	s.version = d.StatusVersion
	s.courierID = d.CourierID
	s.status = d.Status
	s.pickup = d.Pickup
	s.drop = d.Drop
	return true
}

func (e *Engine) refreshInputs(ctx context.Context, s *session) error {
	if e.waypoints == nil {
		return nil
	}
	v, err := e.waypoints.WaypointVersion(ctx, s.requestID)
	if err != nil {
		return fmt.Errorf("waypoint version: %w", err)
	}
	s.mu.Lock()
	s.wpVersion = v
	s.mu.Unlock()
	return nil
}

func routeKey(pickup, drop *types.Point, wpVersion int) string {
	format := func(p *types.Point) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
	}
	return fmt.Sprintf("%s|%s|%d", format(pickup), format(drop), wpVersion)
}

// refreshRoute calls the provider only when (pickup, drop, waypoint version)
// differs from the inputs of the stored route, or the stored route is stale.
// The provider is called without holding the session lock.
func (e *Engine) refreshRoute(ctx context.Context, s *session) {
	s.mu.Lock()
	pickup, drop := s.pickup, s.drop
	key := routeKey(pickup, drop, s.wpVersion)
	if key == s.routeKey && !s.stale {
		s.mu.Unlock()
		return
	}
	if pickup == nil || drop == nil {
		s.route, s.routeAt, s.stale = nil, nil, false
		s.routeKey = key
		s.routeReason = ReasonMissingCoordinates
		s.mu.Unlock()
		return
	}
	id := s.deliveryID
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, e.opts.RouteTimeout)
	r, err := e.provider.Route(rctx, *pickup, *drop)
	cancel()

	s.mu.Lock()
	if routeKey(s.pickup, s.drop, s.wpVersion) != key {
		s.mu.Unlock()
		return
	}
	if err != nil {
		if s.route != nil {
			s.stale = true
		} else {
			s.routeReason = ReasonProviderFailed
		}
		s.mu.Unlock()
		e.logger.Warn("route recompute failed", zap.String("delivery_id", id.String()), zap.Error(err))
		return
	}
	now := e.clock.Now()
	s.route = &r
	s.routeKey = key
	s.routeAt = &now
	s.routeReason = ""
	s.stale = false
	s.mu.Unlock()

	e.publish(ctx, "tracking.route", id, e.routeView(&r, false, "", &now))
}

func (e *Engine) view(s *session) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		DeliveryID:     s.deliveryID,
		RequestID:      s.requestID,
		CourierID:      s.courierID,
		DeliveryStatus: s.status,
		Mode:           ModeNoPosition,
		Path:           s.path.Snapshot(),
		Pickup:         s.pickup,
		Drop:           s.drop,
	}
	if s.latest != nil {
		latest := *s.latest
		v.Latest = &latest
		v.Mode = ModeLive
		if s.degraded || e.clock.Now().Sub(s.lastSeen) > e.opts.StaleAfter {
			v.Mode = ModeLastKnown
		}
		if s.drop != nil {
			km := types.DistanceKm(latest.Point, *s.drop)
			v.RemainingKm = &km
		}
	}
	reason := s.routeReason
	if s.route == nil && reason == "" {
		reason = ReasonProviderFailed
	}
	v.Route = e.routeView(s.route, s.stale, reason, s.routeAt)
	return v
}

// routeView derives the quote from the route at read time so the ETA is
// always relative to now.
func (e *Engine) routeView(r *maps.Route, stale bool, reason string, at *time.Time) RouteView {
	if r == nil {
		return RouteView{Status: RouteUnavailable, Reason: reason}
	}
	route := *r
	q := e.opts.Rate.Quote(e.clock.Now(), r.DistanceMeters, r.DurationSeconds)
	return RouteView{Status: RouteAvailable, Stale: stale, Route: &route, Quote: &q, ComputedAt: at}
}

func (e *Engine) publish(ctx context.Context, typ string, deliveryID types.ID, payload any) {
	ev, err := events.New(events.TopicTracking, typ, events.KindUpdate, deliveryID.String(), deliveryID.String(), 0, e.clock.Now(), payload)
	if err == nil {
		err = e.pub.Publish(ctx, ev)
	}
	if err != nil {
		e.logger.Warn("publish tracking event failed", zap.String("type", typ), zap.Error(err))
	}
}
