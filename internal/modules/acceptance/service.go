// README: Acceptance arbiter: exactly one candidate wins an open request.
package acceptance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/infra"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

var ErrBadRequest = errors.New("bad request")

// errNotEligible rolls back the claim when the caller holds no pending entry.
var errNotEligible = errors.New("candidate has no pending entry")

const defaultMaxRetries = 3

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimRequest(ctx context.Context, requestID, candidateID types.ID, role inbox.Role, at time.Time) (bool, error)
	RequestStatus(ctx context.Context, requestID types.ID) (request.Status, error)
	AcceptEntry(ctx context.Context, requestID, candidateID types.ID, role inbox.Role, at time.Time) (*inbox.Entry, error)
	ExpireSiblings(ctx context.Context, requestID types.ID, at time.Time) ([]inbox.Entry, error)
	AppendEvent(ctx context.Context, e *request.Event) error
	GetRequest(ctx context.Context, id types.ID) (*request.Request, error)
}

type Service struct {
	repo       Repository
	pub        events.Publisher
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries int
}

func NewService(repo Repository, pub events.Publisher, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{repo: repo, pub: pub, clock: clk, logger: logger, maxRetries: defaultMaxRetries}
}

// Accept resolves a race between candidates in storage. Every caller but the
// first gets Accepted=false with a reason; only infrastructure failures are
// returned as errors.
func (s *Service) Accept(ctx context.Context, cmd Command) (Result, error) {
	if cmd.RequestID == "" || cmd.CandidateID == "" || !cmd.Role.Valid() {
		return Result{}, ErrBadRequest
	}

	var (
		res     Result
		expired []inbox.Entry
	)
	for attempt := 0; ; attempt++ {
		res, expired = Result{}, nil
		err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
			now := s.clock.Now()
			won, err := s.repo.ClaimRequest(txCtx, cmd.RequestID, cmd.CandidateID, cmd.Role, now)
			if err != nil {
				return err
			}
			if !won {
				status, err := s.repo.RequestStatus(txCtx, cmd.RequestID)
				if err != nil {
					return err
				}
				res.Reason = reasonFor(status)
				return nil
			}

			entry, err := s.repo.AcceptEntry(txCtx, cmd.RequestID, cmd.CandidateID, cmd.Role, now)
			if err != nil {
				return err
			}
			if entry == nil {
				return errNotEligible
			}
			if expired, err = s.repo.ExpireSiblings(txCtx, cmd.RequestID, now); err != nil {
				return err
			}
			if err := s.repo.AppendEvent(txCtx, &request.Event{
				RequestID:  cmd.RequestID,
				FromStatus: request.StatusPending,
				ToStatus:   request.StatusAccepted,
				ActorType:  string(cmd.Role),
				ActorID:    &cmd.CandidateID,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			req, err := s.repo.GetRequest(txCtx, cmd.RequestID)
			if err != nil {
				return err
			}
			res = Result{Accepted: true, Request: req, Entry: entry}
			return nil
		})
		if errors.Is(err, errNotEligible) {
			return Result{Reason: ReasonNotEligible}, nil
		}
		if err != nil && infra.IsSerializationFailure(err) && attempt < s.maxRetries {
			s.logger.Debug("accept retried", zap.String("request_id", cmd.RequestID.String()), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return Result{}, err
		}
		break
	}

	if !res.Accepted {
		s.logger.Info("accept lost",
			zap.String("request_id", cmd.RequestID.String()),
			zap.String("candidate_id", cmd.CandidateID.String()),
			zap.String("reason", string(res.Reason)))
		return res, nil
	}

	now := s.clock.Now()
	request.Publish(ctx, s.pub, s.logger, "request.accepted", events.KindUpdate, res.Request, now)
	inbox.PublishEntries(ctx, s.pub, s.logger, "inbox.accepted", events.KindUpdate, []inbox.Entry{*res.Entry}, now)
	inbox.PublishEntries(ctx, s.pub, s.logger, "inbox.expired", events.KindUpdate, expired, now)
	s.logger.Info("request accepted",
		zap.String("request_id", cmd.RequestID.String()),
		zap.String("candidate_id", cmd.CandidateID.String()),
		zap.String("role", string(cmd.Role)),
		zap.Int("siblings_expired", len(expired)))
	return res, nil
}
