// README: Request lifecycle: open, cancel, fulfil. Acceptance lives in the acceptance module.
package request

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
	ErrNotFound     = errors.New("request not found")
	ErrInvalidState = errors.New("invalid request state transition")
	ErrConflict     = errors.New("request state conflict")
	ErrBadRequest   = errors.New("bad request")
)

// Repository is implemented by Store and by in-memory fakes in tests.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
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

type OpenCommand struct {
	RequesterID     types.ID
	BloodGroup      string
	Component       string
	Quantity        int
	Urgency         Urgency
	Channel         Channel
	Emergency       bool
	PatientLocation *types.Point
}

func (s *Service) Open(ctx context.Context, cmd OpenCommand) (*Request, error) {
	cmd.BloodGroup = strings.TrimSpace(cmd.BloodGroup)
	cmd.Component = strings.TrimSpace(cmd.Component)
	if cmd.RequesterID == "" || cmd.BloodGroup == "" || cmd.Component == "" || cmd.Quantity <= 0 {
		return nil, ErrBadRequest
	}
	if cmd.Channel == "" {
		cmd.Channel = ChannelAll
	}
	if !cmd.Channel.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.PatientLocation != nil {
		if err := cmd.PatientLocation.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	r := &Request{
		ID:              types.NewID(),
		RequesterID:     cmd.RequesterID,
		BloodGroup:      cmd.BloodGroup,
		Component:       cmd.Component,
		Quantity:        cmd.Quantity,
		Urgency:         Urgency(strings.ToLower(string(cmd.Urgency))),
		Channel:         cmd.Channel,
		Status:          StatusPending,
		Emergency:       cmd.Emergency,
		PatientLocation: cmd.PatientLocation,
		CreatedAt:       now,
	}
	if cmd.Emergency {
		r.EmergencyAt = &now
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	s.audit(ctx, r.ID, StatusNone, StatusPending, "requester", &cmd.RequesterID)
	s.publish(ctx, "request.opened", events.KindInsert, r)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.repo.Get(ctx, id)
}

// Cancel is only legal while the request is still pending.
func (s *Service) Cancel(ctx context.Context, id, actorID types.ID) (*Request, error) {
	return s.transition(ctx, id, StatusCancelled, "requester", types.IDPtr(actorID))
}

// Fulfill closes an accepted request once its delivery has completed.
func (s *Service) Fulfill(ctx context.Context, id types.ID) (*Request, error) {
	return s.transition(ctx, id, StatusFulfilled, "system", nil)
}

func (s *Service) transition(ctx context.Context, id types.ID, to Status, actorType string, actorID *types.ID) (*Request, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, ErrInvalidState
	}
	now := s.clock.Now()
	ok, err := s.repo.UpdateStatus(ctx, r.ID, r.Status, to, r.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := r.Status
	r.Status = to
	r.StatusVersion++
	switch to {
	case StatusCancelled:
		r.CancelledAt = &now
		r.Emergency = false
	case StatusFulfilled:
		r.FulfilledAt = &now
	}
	s.audit(ctx, r.ID, from, to, actorType, actorID)
	s.publish(ctx, "request."+string(to), events.KindUpdate, r)
	return r, nil
}

func (s *Service) audit(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.repo.AppendEvent(ctx, &Event{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("append request event failed", zap.String("request_id", id.String()), zap.Error(err))
	}
}

// Publish emits a normalized request event; exported for the acceptance arbiter.
func Publish(ctx context.Context, pub events.Publisher, logger *zap.Logger, typ string, kind events.Kind, r *Request, at time.Time) {
	e, err := events.New(events.TopicRequests, typ, kind, r.ID.String(), r.ID.String(), int64(r.StatusVersion)+1, at, r)
	if err == nil {
		e.Final = r.Status == StatusFulfilled || r.Status == StatusCancelled
		err = pub.Publish(ctx, e)
	}
	if err != nil {
		logger.Warn("publish request event failed", zap.String("type", typ), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, typ string, kind events.Kind, r *Request) {
	Publish(ctx, s.pub, s.logger, typ, kind, r, s.clock.Now())
}
