// README: Blood request store backed by PostgreSQL.
package request

import (
	"context"
	"errors"
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

const selectColumns = `
	id, requester_id, blood_group, component, quantity, urgency, channel,
	status, status_version, emergency, emergency_at, patient_lat, patient_lng,
	accepted_by, accepted_role, created_at, accepted_at, fulfilled_at, cancelled_at`

func (s *Store) Create(ctx context.Context, r *Request) error {
	var lat, lng *float64
	if r.PatientLocation != nil {
		lat, lng = &r.PatientLocation.Lat, &r.PatientLocation.Lng
	}
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO blood_requests (
			id, requester_id, blood_group, component, quantity, urgency, channel,
			status, status_version, emergency, emergency_at, patient_lat, patient_lng, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(r.ID), string(r.RequesterID), r.BloodGroup, r.Component, r.Quantity,
		string(r.Urgency), string(r.Channel), string(r.Status), r.StatusVersion,
		r.Emergency, r.EmergencyAt, lat, lng, r.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := infra.Q(ctx, s.db).QueryRow(ctx, `SELECT `+selectColumns+` FROM blood_requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateStatus is a compare-and-swap on (status, status_version).
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE blood_requests
		SET status = $1,
		    status_version = status_version + 1,
		    fulfilled_at = CASE WHEN $1 = 'fulfilled' THEN $5 ELSE fulfilled_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $5 ELSE cancelled_at END,
		    emergency = CASE WHEN $1 = 'cancelled' THEN FALSE ELSE emergency END
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO request_events (request_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RequestID), string(e.FromStatus), string(e.ToStatus), e.ActorType, types.StringPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var urgency, channel, status string
	var lat, lng *float64
	var acceptedBy, acceptedRole *string
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.BloodGroup, &r.Component, &r.Quantity, &urgency, &channel,
		&status, &r.StatusVersion, &r.Emergency, &r.EmergencyAt, &lat, &lng,
		&acceptedBy, &acceptedRole, &r.CreatedAt, &r.AcceptedAt, &r.FulfilledAt, &r.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.Urgency = Urgency(urgency)
	r.Channel = Channel(channel)
	r.Status = Status(status)
	if lat != nil && lng != nil {
		r.PatientLocation = &types.Point{Lat: *lat, Lng: *lng}
	}
	if acceptedBy != nil {
		id := types.ID(*acceptedBy)
		r.AcceptedBy = &id
	}
	if acceptedRole != nil {
		r.AcceptedRole = *acceptedRole
	}
	return &r, nil
}
