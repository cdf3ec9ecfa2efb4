package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"aegis/internal/domain"
)

const locationColumns = `
    location_id, name, type, ST_X(geom), ST_Y(geom), inventory_value_usd,
    reliability_index, avg_lead_time_hours, COALESCE(contract_sla, ''), active`

func scanLocation(row pgx.Row, extra ...any) (domain.Location, error) {
	var l domain.Location
	var lon, lat float64
	dest := append([]any{&l.ID, &l.Name, &l.Type, &lon, &lat, &l.InventoryValue,
		&l.Reliability, &l.AvgLeadTimeHours, &l.ContractSLA, &l.Active}, extra...)
	if err := row.Scan(dest...); err != nil {
		return l, err
	}
	l.Coordinates = orb.Point{lon, lat}
	return l, nil
}

// LocationStore
func (db *DB) IntersectingLocations(ctx context.Context, zone orb.Polygon) ([]domain.Location, float64, error) {
	gj, err := zoneJSON(zone)
	if err != nil {
		return nil, 0, err
	}
	rows, err := db.Pool.Query(ctx, `SELECT`+locationColumns+`, SUM(inventory_value_usd) OVER ()
        FROM locations
        WHERE active AND ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))
        ORDER BY inventory_value_usd DESC, location_id
        LIMIT 100`, gj)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.Location
	var total float64
	for rows.Next() {
		l, err := scanLocation(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

func (db *DB) Location(ctx context.Context, locationID string) (domain.Location, error) {
	l, err := scanLocation(db.Pool.QueryRow(ctx, `SELECT`+locationColumns+`
        FROM locations WHERE location_id = $1`, locationID))
	return l, notFound(err)
}

// CandidateStore
func (db *DB) EligibleSuppliers(ctx context.Context, center orb.Point, exclusionKm float64, limit int) ([]domain.Location, error) {
	rows, err := db.Pool.Query(ctx, `SELECT`+locationColumns+`
        FROM locations
        WHERE type = 'supplier' AND active
          AND NOT ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3 * 1000.0)
        ORDER BY reliability_index DESC, location_id
        LIMIT $4`, center.Lon(), center.Lat(), exclusionKm, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SLAStore
func (db *DB) SLAScores(ctx context.Context, supplierIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(supplierIDs))
	if len(supplierIDs) == 0 {
		return out, nil
	}
	rows, err := db.Pool.Query(ctx, `
        SELECT location_id, sla_score FROM supplier_sla_scores
        WHERE location_id = ANY($1)`, supplierIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}
