// README: Append-only rider position audit trail in PostgreSQL.
package tracking

import (
	"context"
	"slices"
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

func (s *Store) AppendPosition(ctx context.Context, deliveryID types.ID, p types.Point, at time.Time) error {
	_, err := infra.Q(ctx, s.db).Exec(ctx, `
		INSERT INTO rider_positions (delivery_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(deliveryID), p.Lat, p.Lng, at,
	)
	return err
}

// RecentPositions returns up to limit latest positions, oldest first.
func (s *Store) RecentPositions(ctx context.Context, deliveryID types.ID, limit int) ([]Position, error) {
	rows, err := infra.Q(ctx, s.db).Query(ctx, `
		SELECT lat, lng, recorded_at
		FROM rider_positions
		WHERE delivery_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, string(deliveryID), limit)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Position, error) {
		var p Position
		err := row.Scan(&p.Point.Lat, &p.Point.Lng, &p.RecordedAt)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
