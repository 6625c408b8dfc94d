// README: Arbiter store: the conditional writes that decide a request's single acceptor.
package acceptance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hemoroute/internal/infra"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

type Store struct {
	db       *pgxpool.Pool
	requests *request.Store
	entries  *inbox.Store
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, requests: request.NewStore(db), entries: inbox.NewStore(db)}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return infra.WithTx(ctx, s.db, fn)
}

// ClaimRequest is the serialization point: the UPDATE only matches while the
// request is pending, so exactly one concurrent caller gets a row back.
// Acceptance clears the emergency flag.
func (s *Store) ClaimRequest(ctx context.Context, requestID, candidateID types.ID, role inbox.Role, at time.Time) (bool, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE blood_requests
		SET status = 'accepted',
		    status_version = status_version + 1,
		    accepted_by = $2,
		    accepted_role = $3,
		    accepted_at = $4,
		    emergency = FALSE
		WHERE id = $1 AND status = 'pending'`,
		string(requestID), string(candidateID), string(role), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RequestStatus(ctx context.Context, requestID types.ID) (request.Status, error) {
	var status string
	err := infra.Q(ctx, s.db).QueryRow(ctx, `SELECT status FROM blood_requests WHERE id = $1`, string(requestID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", request.ErrNotFound
	}
	return request.Status(status), err
}

// AcceptEntry promotes the caller's pending entry. No row means the caller
// has no pending entry for this request.
func (s *Store) AcceptEntry(ctx context.Context, requestID, candidateID types.ID, role inbox.Role, at time.Time) (*inbox.Entry, error) {
	var e inbox.Entry
	var r, st string
	err := infra.Q(ctx, s.db).QueryRow(ctx, `
		UPDATE inbox_entries
		SET status = 'accepted', version = version + 1, updated_at = $4
		WHERE request_id = $1 AND candidate_id = $2 AND candidate_role = $3 AND status = 'pending'
		RETURNING id, request_id, candidate_id, candidate_role, status, version, created_at, updated_at`,
		string(requestID), string(candidateID), string(role), at,
	).Scan(&e.ID, &e.RequestID, &e.CandidateID, &r, &st, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CandidateRole = inbox.Role(r)
	e.Status = inbox.Status(st)
	return &e, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *request.Event) error {
	return s.requests.AppendEvent(ctx, e)
}

func (s *Store) GetRequest(ctx context.Context, id types.ID) (*request.Request, error) {
	return s.requests.Get(ctx, id)
}

func (s *Store) ExpireSiblings(ctx context.Context, requestID types.ID, at time.Time) ([]inbox.Entry, error) {
	return s.entries.ExpirePending(ctx, requestID, at)
}
