// README: Inventory store backed by PostgreSQL; selection and status change share one transaction.
package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hemoroute/internal/infra"
	"hemoroute/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return infra.WithTx(ctx, s.db, fn)
}

// LockRequest serializes reservation attempts for one request until the
// surrounding transaction ends. It is always taken before LockPool.
func (s *Store) LockRequest(ctx context.Context, requestID types.ID) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "request|"+string(requestID))
	return err
}

// LockPool serializes reservations on one (facility, group, component) pool
// until the surrounding transaction ends.
func (s *Store) LockPool(ctx context.Context, facilityID types.ID, bloodGroup, component string) error {
	key := string(facilityID) + "|" + strings.ToLower(bloodGroup) + "|" + strings.ToLower(component)
	_, err := infra.Q(ctx, s.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

// SelectEligible returns up to limit available, unexpired units, nearest
// expiry first and oldest intake on ties, locking the rows.
func (s *Store) SelectEligible(ctx context.Context, cmd ReserveCommand, now time.Time, limit int) ([]types.ID, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		SELECT id FROM inventory_units
		WHERE facility_id = $1
		  AND lower(blood_group) = lower($2)
		  AND lower(component) = lower($3)
		  AND status = 'available'
		  AND expires_at > $4
		ORDER BY expires_at, created_at, id
		LIMIT $5
		FOR UPDATE`,
		string(cmd.FacilityID), cmd.BloodGroup, cmd.Component, now, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[types.ID])
}

func (s *Store) MarkReserved(ctx context.Context, ids []types.ID, requestID types.ID, at time.Time) (int64, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE inventory_units
		SET status = 'reserved', request_id = $2, reserved_at = $3
		WHERE id = ANY($1) AND status = 'available'`,
		idStrings(ids), types.StringPtr(types.IDPtr(requestID)), at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FindOutcome(ctx context.Context, requestID, facilityID types.ID) (*Reservation, error) {
	var r Reservation
	var status string
	var ids []string
	err := infra.Q(ctx, s.db).QueryRow(ctx, `
		SELECT request_id, facility_id, blood_group, component, status, requested, available, unit_ids, updated_at
		FROM reservation_outcomes WHERE request_id = $1 AND facility_id = $2`, string(requestID), string(facilityID),
	).Scan(&r.RequestID, &r.FacilityID, &r.BloodGroup, &r.Component, &status, &r.Requested, &r.Available, &ids, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = ReservationStatus(status)
	for _, id := range ids {
		r.UnitIDs = append(r.UnitIDs, types.ID(id))
	}
	return &r, nil
}

func (s *Store) SaveOutcome(ctx context.Context, r Reservation) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO reservation_outcomes
			(request_id, facility_id, blood_group, component, status, requested, available, unit_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id, facility_id) DO UPDATE SET
			blood_group = EXCLUDED.blood_group,
			component = EXCLUDED.component,
			status = EXCLUDED.status,
			requested = EXCLUDED.requested,
			available = EXCLUDED.available,
			unit_ids = EXCLUDED.unit_ids,
			updated_at = EXCLUDED.updated_at`,
		string(r.RequestID), string(r.FacilityID), r.BloodGroup, r.Component, string(r.Status),
		r.Requested, r.Available, idStrings(r.UnitIDs), r.UpdatedAt,
	)
	return err
}

// ConsumeForRequest marks the request's reserved units as used.
func (s *Store) ConsumeForRequest(ctx context.Context, requestID types.ID, at time.Time) (int64, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE inventory_units SET status = 'consumed', consumed_at = $2
		WHERE request_id = $1 AND status = 'reserved'`,
		string(requestID), at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireDue moves available and reserved units past their expiry to expired.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE inventory_units SET status = 'expired'
		WHERE status IN ('available','reserved') AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Stock(ctx context.Context, facilityID types.ID, bloodGroup, component string) (Stock, error) {
	var st Stock
	err := infra.Q(ctx, s.db).QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'available'),
		       COUNT(*) FILTER (WHERE status = 'reserved'),
		       COUNT(*) FILTER (WHERE status = 'expired'),
		       COUNT(*) FILTER (WHERE status = 'consumed')
		FROM inventory_units
		WHERE facility_id = $1 AND lower(blood_group) = lower($2) AND lower(component) = lower($3)`,
		string(facilityID), bloodGroup, component,
	).Scan(&st.Available, &st.Reserved, &st.Expired, &st.Consumed)
	return st, err
}

// AddUnit records intake; used by seeding and tests.
func (s *Store) AddUnit(ctx context.Context, u Unit) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO inventory_units (id, facility_id, blood_group, component, collected_at, expires_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(u.ID), string(u.FacilityID), u.BloodGroup, u.Component, u.CollectedAt, u.ExpiresAt, string(u.Status), u.CreatedAt,
	)
	return err
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
