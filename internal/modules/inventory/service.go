// README: Inventory allocator: all-or-nothing FIFO-by-expiry reservation, consumption and expiry sweep.
package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/types"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("inventory changed during reservation")
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockRequest(ctx context.Context, requestID types.ID) error
	LockPool(ctx context.Context, facilityID types.ID, bloodGroup, component string) error
	SelectEligible(ctx context.Context, cmd ReserveCommand, now time.Time, limit int) ([]types.ID, error)
	MarkReserved(ctx context.Context, ids []types.ID, requestID types.ID, at time.Time) (int64, error)
	FindOutcome(ctx context.Context, requestID, facilityID types.ID) (*Reservation, error)
	SaveOutcome(ctx context.Context, r Reservation) error
	ConsumeForRequest(ctx context.Context, requestID types.ID, at time.Time) (int64, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	Stock(ctx context.Context, facilityID types.ID, bloodGroup, component string) (Stock, error)
}

type Service struct {
	repo   Repository
	pub    events.Publisher
	clock  clock.Clock
	logger *zap.Logger
}

func NewService(repo Repository, pub events.Publisher, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{repo: repo, pub: pub, clock: clk, logger: logger}
}

// Reserve binds exactly cmd.Quantity units or none. The outcome is recorded
// per (request, facility) and a successful reservation is returned unchanged
// on retry. Attempts for one request are serialized before the outcome is
// read, so concurrent retries reserve once.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (Reservation, error) {
	cmd.BloodGroup = strings.TrimSpace(cmd.BloodGroup)
	cmd.Component = strings.TrimSpace(cmd.Component)
	if cmd.RequestID == "" || cmd.FacilityID == "" || cmd.BloodGroup == "" || cmd.Component == "" || cmd.Quantity <= 0 {
		return Reservation{}, ErrBadRequest
	}

	now := s.clock.Now()
	var (
		out    Reservation
		replay bool
	)
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.LockRequest(txCtx, cmd.RequestID); err != nil {
			return err
		}
		prev, err := s.repo.FindOutcome(txCtx, cmd.RequestID, cmd.FacilityID)
		if err != nil {
			return err
		}
		if prev != nil && prev.Reserved() {
			out, replay = *prev, true
			return nil
		}

		if err := s.repo.LockPool(txCtx, cmd.FacilityID, cmd.BloodGroup, cmd.Component); err != nil {
			return err
		}
		ids, err := s.repo.SelectEligible(txCtx, cmd, now, cmd.Quantity)
		if err != nil {
			return err
		}
		out = Reservation{
			RequestID:  cmd.RequestID,
			FacilityID: cmd.FacilityID,
			BloodGroup: cmd.BloodGroup,
			Component:  cmd.Component,
			Status:     ReservationInsufficient,
			UnitIDs:    []types.ID{},
			Requested:  cmd.Quantity,
			Available:  len(ids),
			UpdatedAt:  now,
		}
		if len(ids) == cmd.Quantity {
			n, err := s.repo.MarkReserved(txCtx, ids, cmd.RequestID, now)
			if err != nil {
				return err
			}
			if n != int64(len(ids)) {
				return ErrConflict
			}
			out.Status = ReservationReserved
			out.UnitIDs = ids
		}
		return s.repo.SaveOutcome(txCtx, out)
	})
	if err != nil {
		return Reservation{}, err
	}
	if replay {
		return out, nil
	}

	if out.Reserved() {
		s.logger.Info("units reserved",
			zap.String("facility_id", cmd.FacilityID.String()),
			zap.String("request_id", cmd.RequestID.String()),
			zap.Int("quantity", cmd.Quantity))
		s.publish(ctx, "inventory.reserved", out)
	} else {
		s.logger.Warn("reservation under-fulfilled",
			zap.String("facility_id", cmd.FacilityID.String()),
			zap.String("request_id", cmd.RequestID.String()),
			zap.Int("requested", out.Requested),
			zap.Int("available", out.Available))
		s.publish(ctx, "inventory.insufficient", out)
	}
	return out, nil
}

// Outcome returns the reservation a facility recorded for a request, or nil.
func (s *Service) Outcome(ctx context.Context, requestID, facilityID types.ID) (*Reservation, error) {
	return s.repo.FindOutcome(ctx, requestID, facilityID)
}

// Consume marks a request's reserved units as used after delivery.
func (s *Service) Consume(ctx context.Context, requestID types.ID) (int64, error) {
	n, err := s.repo.ConsumeForRequest(ctx, requestID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("units consumed", zap.String("request_id", requestID.String()), zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) Stock(ctx context.Context, facilityID types.ID, bloodGroup, component string) (Stock, error) {
	return s.repo.Stock(ctx, facilityID, bloodGroup, component)
}

func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	return s.repo.ExpireDue(ctx, s.clock.Now())
}

// RunExpirySweep expires units past their date every interval until ctx ends.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireSweep(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("units expired", zap.Int64("count", n))
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, typ string, r Reservation) {
	entity := r.RequestID.String() + "/" + r.FacilityID.String()
	e, err := events.New(events.TopicInventory, typ, events.KindUpdate, r.FacilityID.String(), entity, 0, r.UpdatedAt, r)
	if err == nil {
		err = s.pub.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("publish inventory event failed", zap.Error(err))
	}
}
