// README: Waypoints and profile coordinates in Postgres; courier last-known positions in Redis GEO.
package location

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"hemoroute/internal/infra"
	"hemoroute/internal/types"
)

const courierGeoKey = "geo:couriers"

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) AppendWaypoint(ctx context.Context, w *Waypoint) error {
	return infra.Q(ctx, s.db).QueryRow(ctx, `
		INSERT INTO waypoints (request_id, actor_id, actor_role, lat, lng, accuracy_m, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(w.RequestID), string(w.ActorID), string(w.ActorRole),
		w.Position.Lat, w.Position.Lng, w.AccuracyM, w.RecordedAt,
	).Scan(&w.ID)
}

// BestWaypoint is the most recent waypoint reported under role for the
// request within the accuracy bound, or nil.
func (s *Store) BestWaypoint(ctx context.Context, requestID types.ID, role ActorRole, maxAccuracyM float64) (*Waypoint, error) {
	var w Waypoint
	var scannedRole string
	err := infra.Q(ctx, s.db).QueryRow(ctx, `
		SELECT id, request_id, actor_id, actor_role, lat, lng, accuracy_m, recorded_at
		FROM waypoints
		WHERE request_id = $1 AND actor_role = $2 AND accuracy_m <= $3
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`,
		string(requestID), string(role), maxAccuracyM,
	).Scan(&w.ID, &w.RequestID, &w.ActorID, &scannedRole, &w.Position.Lat, &w.Position.Lng, &w.AccuracyM, &w.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.ActorRole = ActorRole(scannedRole)
	return &w, nil
}

// CountWaypoints versions a request's waypoint set.
func (s *Store) CountWaypoints(ctx context.Context, requestID types.ID) (int, error) {
	var n int
	err := infra.Q(ctx, s.db).QueryRow(ctx, `SELECT COUNT(*) FROM waypoints WHERE request_id = $1`, string(requestID)).Scan(&n)
	return n, err
}

func (s *Store) ProfileCoordinate(ctx context.Context, actorID types.ID) (*types.Point, error) {
	var lat, lng *float64
	err := infra.Q(ctx, s.db).QueryRow(ctx, `SELECT lat, lng FROM profiles WHERE id = $1`, string(actorID)).Scan(&lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil || lat == nil || lng == nil {
		return nil, err
	}
	return &types.Point{Lat: *lat, Lng: *lng}, nil
}

func (s *Store) SetCourier(ctx context.Context, courierID types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, courierGeoKey, &redis.GeoLocation{
		Name:      string(courierID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *Store) Courier(ctx context.Context, courierID types.ID) (*types.Point, error) {
	pos, err := s.redis.GeoPos(ctx, courierGeoKey, string(courierID)).Result()
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, nil
	}
	return &types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, nil
}

// PushTokens returns the registered device token per profile; profiles
// without one are omitted.
func (s *Store) PushTokens(ctx context.Context, ids []types.ID) (map[types.ID]string, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		SELECT id, push_token FROM profiles
		WHERE id = ANY($1) AND push_token IS NOT NULL AND push_token <> ''`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.ID]string, len(ids))
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, err
		}
		out[types.ID(id)] = token
	}
	return out, rows.Err()
}
