// README: Inbox store backed by PostgreSQL.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hemoroute/internal/infra"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const entryColumns = `id, request_id, candidate_id, candidate_role, status, version, created_at, updated_at`

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return infra.WithTx(ctx, s.db, fn)
}

// LockPendingRequest takes a share lock on the request row so a concurrent
// accept waits for the fanout to commit. It reports false when the request
// is no longer pending.
func (s *Store) LockPendingRequest(ctx context.Context, requestID types.ID) (bool, error) {
	var status string
	err := infra.Q(ctx, s.db).QueryRow(ctx,
		`SELECT status FROM blood_requests WHERE id = $1 FOR SHARE`, string(requestID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, request.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == string(request.StatusPending), nil
}

// InsertMatches creates one pending entry per matching profile. Existing
// (request, candidate) pairs are left alone, so a repeated fanout is a no-op.
func (s *Store) InsertMatches(ctx context.Context, r *request.Request, at time.Time) ([]Entry, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		INSERT INTO inbox_entries (`+entryColumns+`)
		SELECT md5(r.id || ':' || p.id), r.id, p.id, p.role, 'pending', 1, $2, $2
		FROM blood_requests r
		JOIN profiles p ON p.blood_group = r.blood_group AND p.id <> r.requester_id
		WHERE r.id = $1 AND r.status = 'pending' AND p.role = ANY($3)
		ON CONFLICT (request_id, candidate_id) DO NOTHING
		RETURNING `+entryColumns,
		string(r.ID), at, rolesFor(r.Channel),
	)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Entry, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `SELECT `+entryColumns+` FROM inbox_entries WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// ListPending returns the candidate's pending entries on still-pending requests.
func (s *Store) ListPending(ctx context.Context, candidateID types.ID) ([]Item, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		SELECT e.id, e.request_id, e.candidate_id, e.candidate_role, e.status, e.version,
		       e.created_at, e.updated_at, r.urgency, r.blood_group, r.component, r.quantity, r.emergency,
		       r.created_at
		FROM inbox_entries e
		JOIN blood_requests r ON r.id = e.request_id
		WHERE e.candidate_id = $1 AND e.status = 'pending' AND r.status = 'pending'`,
		string(candidateID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var role, status, urgency string
		if err := rows.Scan(&it.ID, &it.RequestID, &it.CandidateID, &role, &status, &it.Version,
			&it.CreatedAt, &it.UpdatedAt, &urgency, &it.BloodGroup, &it.Component, &it.Quantity, &it.Emergency,
			&it.RequestCreatedAt); err != nil {
			return nil, err
		}
		it.CandidateRole = Role(role)
		it.Status = Status(status)
		it.Urgency = request.Urgency(urgency)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Reject moves the caller's own pending entry to rejected.
func (s *Store) Reject(ctx context.Context, id, candidateID types.ID, at time.Time) (*Entry, bool, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		UPDATE inbox_entries
		SET status = 'rejected', version = version + 1, updated_at = $3
		WHERE id = $1 AND candidate_id = $2 AND status = 'pending'
		RETURNING `+entryColumns,
		string(id), string(candidateID), at,
	)
	if err != nil {
		return nil, false, err
	}
	entries, err := collectEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, false, err
	}
	return &entries[0], true, nil
}

// ExpirePending expires every pending entry of the request.
func (s *Store) ExpirePending(ctx context.Context, requestID types.ID, at time.Time) ([]Entry, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		UPDATE inbox_entries
		SET status = 'expired', version = version + 1, updated_at = $2
		WHERE request_id = $1 AND status = 'pending'
		RETURNING `+entryColumns,
		string(requestID), at,
	)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var role, status string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CandidateID, &role, &status, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.CandidateRole = Role(role)
		e.Status = Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
