// README: Courier pool service: availability, nearest search and auto-assignment to deliveries.
package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/types"
)

var (
	ErrNoPosition = errors.New("courier position unknown")
	ErrNoPickup   = errors.New("delivery has no pickup coordinate")
	ErrNoCourier  = errors.New("no courier available nearby")
)

type Pool interface {
	SetAvailable(ctx context.Context, id types.ID, p types.Point) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Courier, error)
	Claim(ctx context.Context, courierID, deliveryID types.ID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, courierID types.ID) error
}

type Assigner interface {
	AssignCourier(ctx context.Context, id, courierID types.ID) (*delivery.Delivery, error)
}

// Locator supplies a courier's last known position when availability is
// set without coordinates.
type Locator interface {
	CourierPosition(ctx context.Context, courierID types.ID) (*types.Point, error)
}

type Service struct {
	pool     Pool
	assigner Assigner
	locator  Locator
	logger   *zap.Logger
	radiusKm float64
}

func NewService(pool Pool, assigner Assigner, locator Locator, logger *zap.Logger, radiusKm float64) *Service {
	return &Service{pool: pool, assigner: assigner, locator: locator, logger: logger, radiusKm: radiusKm}
}

func (s *Service) SetAvailability(ctx context.Context, courierID types.ID, available bool, pos *types.Point) error {
	if !available {
		return s.pool.Remove(ctx, courierID)
	}
	if pos == nil && s.locator != nil {
		p, err := s.locator.CourierPosition(ctx, courierID)
		if err != nil {
			return err
		}
		pos = p
	}
	if pos == nil {
		return ErrNoPosition
	}
	if err := pos.Validate(); err != nil {
		return err
	}
	return s.pool.SetAvailable(ctx, courierID, *pos)
}

func (s *Service) Nearby(ctx context.Context, p types.Point) ([]Courier, error) {
	return s.pool.Nearby(ctx, p, s.radiusKm, selectPoolSize)
}

// AutoAssign binds the closest claimable courier to the delivery's pickup.
// A delivery that already has a courier is returned unchanged.
func (s *Service) AutoAssign(ctx context.Context, d *delivery.Delivery) (*delivery.Delivery, error) {
	if d.CourierID != nil {
		return d, nil
	}
	if d.Pickup == nil {
		return nil, ErrNoPickup
	}
	candidates, err := s.pool.Nearby(ctx, *d.Pickup, s.radiusKm, selectPoolSize)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		ok, err := s.pool.Claim(ctx, c.ID, d.ID, claimTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		bound, err := s.assigner.AssignCourier(ctx, d.ID, c.ID)
		if err != nil {
			_ = s.pool.Release(ctx, c.ID)
			return nil, err
		}
		if bound.CourierID == nil || *bound.CourierID != c.ID {
			_ = s.pool.Release(ctx, c.ID)
			return bound, nil
		}
		if err := s.pool.Remove(ctx, c.ID); err != nil {
			s.logger.Warn("remove assigned courier from pool failed", zap.String("courier_id", c.ID.String()), zap.Error(err))
		}
		s.logger.Info("courier auto-assigned",
			zap.String("delivery_id", d.ID.String()),
			zap.String("courier_id", c.ID.String()),
			zap.Float64("distance_km", c.DistanceKm))
		return bound, nil
	}
	return nil, ErrNoCourier
}
