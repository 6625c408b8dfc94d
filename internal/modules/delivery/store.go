// README: Delivery store backed by PostgreSQL; every mutation is a CAS on status_version.
package delivery

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
	id, request_id, courier_id, status, status_version,
	pickup_lat, pickup_lng, drop_lat, drop_lng,
	pickup_code, pickup_code_used_at, created_at, courier_bound_at,
	picked_up_at, delivered_at, cancelled_at, cancellation_reason`

// Create inserts a new delivery. A second active delivery for the same
// request violates uq_deliveries_active_request and returns ErrActiveExists.
func (s *Store) Create(ctx context.Context, d *Delivery) error {
	pickupLat, pickupLng := coords(d.Pickup)
	dropLat, dropLng := coords(d.Drop)
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO deliveries (
			id, request_id, courier_id, status, status_version,
			pickup_lat, pickup_lng, drop_lat, drop_lng, pickup_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(d.ID), string(d.RequestID), types.StringPtr(d.CourierID), string(d.Status), d.StatusVersion,
		pickupLat, pickupLng, dropLat, dropLng, d.PickupCode, d.CreatedAt,
	)
	if infra.IsUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	row := infra.Q(ctx, s.db).QueryRow(ctx, `SELECT `+selectColumns+` FROM deliveries WHERE id = $1`, string(id))
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ActiveForRequest returns the most recent non-terminal delivery of a request.
func (s *Store) ActiveForRequest(ctx context.Context, requestID types.ID) (*Delivery, error) {
	row := infra.Q(ctx, s.db).QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM deliveries
		WHERE request_id = $1 AND status IN ('assigned','in_transit')
		ORDER BY created_at DESC
		LIMIT 1`, string(requestID))
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// BindCourier only matches while no courier is bound.
func (s *Store) BindCourier(ctx context.Context, id, courierID types.ID, version int, at time.Time) (bool, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE deliveries
		SET courier_id = $2,
		    courier_bound_at = $3,
		    status_version = status_version + 1
		WHERE id = $1
		  AND courier_id IS NULL
		  AND status IN ('assigned','in_transit')
		  AND status_version = $4`,
		string(id), string(courierID), at, version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time, reason *string) (bool, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE deliveries
		SET status = $1,
		    status_version = status_version + 1,
		    picked_up_at = CASE WHEN $1 = 'in_transit' THEN $5 ELSE picked_up_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN $5 ELSE delivered_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $5 ELSE cancelled_at END,
		    cancellation_reason = COALESCE($6, cancellation_reason)
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version, at, reason,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UsePickupCode burns the code and moves the delivery in transit in one
// statement; a reused or wrong code matches no row.
func (s *Store) UsePickupCode(ctx context.Context, id types.ID, code string, version int, at time.Time) (bool, error) {
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE deliveries
		SET status = 'in_transit',
		    status_version = status_version + 1,
		    pickup_code_used_at = $3,
		    picked_up_at = $3
		WHERE id = $1
		  AND status = 'assigned'
		  AND pickup_code = $2
		  AND pickup_code_used_at IS NULL
		  AND status_version = $4`,
		string(id), code, at, version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateEndpoints(ctx context.Context, id types.ID, ep Endpoints, version int) (bool, error) {
	pickupLat, pickupLng := coords(ep.Pickup)
	dropLat, dropLng := coords(ep.Drop)
	tag, err := infra.Q(ctx, s.db).Exec(ctx, `
		UPDATE deliveries
		SET pickup_lat = $2, pickup_lng = $3, drop_lat = $4, drop_lng = $5,
		    status_version = status_version + 1
		WHERE id = $1 AND status IN ('assigned','in_transit') AND status_version = $6`,
		string(id), pickupLat, pickupLng, dropLat, dropLng, version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO delivery_events (delivery_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.DeliveryID), string(e.FromStatus), string(e.ToStatus), e.ActorType, types.StringPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var status string
	var courierID *string
	var pickupLat, pickupLng, dropLat, dropLng *float64
	err := row.Scan(
		&d.ID, &d.RequestID, &courierID, &status, &d.StatusVersion,
		&pickupLat, &pickupLng, &dropLat, &dropLng,
		&d.PickupCode, &d.PickupCodeUsedAt, &d.CreatedAt, &d.CourierBoundAt,
		&d.PickedUpAt, &d.DeliveredAt, &d.CancelledAt, &d.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if courierID != nil {
		d.CourierID = types.IDPtr(types.ID(*courierID))
	}
	d.Pickup = point(pickupLat, pickupLng)
	d.Drop = point(dropLat, dropLng)
	return &d, nil
}

func coords(p *types.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

func point(lat, lng *float64) *types.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}
}
