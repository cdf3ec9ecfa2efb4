package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"aegis/internal/domain"
)

const hazardColumns = `
    hazard_id, source, category, severity, headline,
    ST_AsGeoJSON(zone), ST_X(centroid), ST_Y(centroid), status, expires_at`

func scanHazard(row pgx.Row) (domain.Hazard, error) {
	var (
		h        domain.Hazard
		zone     []byte
		lon, lat *float64
		expires  *time.Time
	)
	if err := row.Scan(&h.ID, &h.Source, &h.Category, &h.Severity, &h.Headline,
		&zone, &lon, &lat, &h.Status, &expires); err != nil {
		return h, err
	}
	z, err := parseZone(zone)
	if err != nil {
		return h, err
	}
	h.Zone = z
	if lon != nil && lat != nil {
		h.Centroid = &orb.Point{*lon, *lat}
	}
	h.Expires = expires
	return h, nil
}

// HazardStore
func (db *DB) ActiveHazards(ctx context.Context) ([]domain.Hazard, error) {
	rows, err := db.Pool.Query(ctx, `SELECT`+hazardColumns+`
        FROM hazards
        WHERE status = 'active' AND (expires_at IS NULL OR expires_at > now())
        ORDER BY hazard_id
        LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Hazard
	for rows.Next() {
		h, err := scanHazard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (db *DB) Hazard(ctx context.Context, hazardID string) (domain.Hazard, error) {
	h, err := scanHazard(db.Pool.QueryRow(ctx, `SELECT`+hazardColumns+`
        FROM hazards WHERE hazard_id = $1`, hazardID))
	return h, notFound(err)
}
