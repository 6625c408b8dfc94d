// README: Inbox service: fanout of a request to matching candidates, ranked listing and reject.
package inbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

var (
	ErrNotFound     = errors.New("inbox entry not found")
	ErrInvalidState = errors.New("inbox entry is no longer pending")
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockPendingRequest(ctx context.Context, requestID types.ID) (bool, error)
	InsertMatches(ctx context.Context, r *request.Request, at time.Time) ([]Entry, error)
	Get(ctx context.Context, id types.ID) (*Entry, error)
	ListPending(ctx context.Context, candidateID types.ID) ([]Item, error)
	Reject(ctx context.Context, id, candidateID types.ID, at time.Time) (*Entry, bool, error)
	ExpirePending(ctx context.Context, requestID types.ID, at time.Time) ([]Entry, error)
}

// Notifier pushes "new request" alerts; delivery is best effort.
type Notifier interface {
	NotifyNewRequest(ctx context.Context, r *request.Request, entries []Entry) error
}

type Service struct {
	repo     Repository
	pub      events.Publisher
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

func NewService(repo Repository, pub events.Publisher, notifier Notifier, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{repo: repo, pub: pub, notifier: notifier, clock: clk, logger: logger}
}

// Fanout creates entries for every candidate matching the request's blood
// group and channel. A request that already left pending gets none.
func (s *Service) Fanout(ctx context.Context, r *request.Request) ([]Entry, error) {
	now := s.clock.Now()
	var created []Entry
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pending, err := s.repo.LockPendingRequest(txCtx, r.ID)
		if err != nil || !pending {
			return err
		}
		created, err = s.repo.InsertMatches(txCtx, r, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, nil
	}

	s.PublishEntries(ctx, "inbox.created", events.KindInsert, created)
	if s.notifier != nil {
		if err := s.notifier.NotifyNewRequest(ctx, r, created); err != nil {
			s.logger.Warn("inbox notification failed", zap.String("request_id", r.ID.String()), zap.Error(err))
		}
	}
	s.logger.Info("request fanned out",
		zap.String("request_id", r.ID.String()), zap.Int("candidates", len(created)))
	return created, nil
}

// Inbox returns the candidate's actionable entries in display order.
func (s *Service) Inbox(ctx context.Context, candidateID types.ID) ([]Item, error) {
	items, err := s.repo.ListPending(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	return Rank(items), nil
}

// Reject declines the caller's own entry. The request itself is untouched.
func (s *Service) Reject(ctx context.Context, id, candidateID types.ID) (*Entry, error) {
	e, ok, err := s.repo.Reject(ctx, id, candidateID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.CandidateID != candidateID {
			return nil, ErrNotFound
		}
		return nil, ErrInvalidState
	}
	s.PublishEntries(ctx, "inbox.rejected", events.KindUpdate, []Entry{*e})
	return e, nil
}

// ExpireForRequest retires the remaining pending entries of a closed request.
func (s *Service) ExpireForRequest(ctx context.Context, requestID types.ID) ([]Entry, error) {
	expired, err := s.repo.ExpirePending(ctx, requestID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.PublishEntries(ctx, "inbox.expired", events.KindUpdate, expired)
	return expired, nil
}

// PublishEntries emits one event per entry keyed by candidate.
func (s *Service) PublishEntries(ctx context.Context, typ string, kind events.Kind, entries []Entry) {
	PublishEntries(ctx, s.pub, s.logger, typ, kind, entries, s.clock.Now())
}

func PublishEntries(ctx context.Context, pub events.Publisher, logger *zap.Logger, typ string, kind events.Kind, entries []Entry, at time.Time) {
	for _, e := range entries {
		ev, err := events.New(events.TopicInbox, typ, kind, e.CandidateID.String(), e.ID.String(), int64(e.Version), at, e)
		if err == nil {
			ev.Final = e.Status != StatusPending
			err = pub.Publish(ctx, ev)
		}
		if err != nil {
			logger.Warn("publish inbox event failed", zap.String("entry_id", e.ID.String()), zap.Error(err))
		}
	}
}
