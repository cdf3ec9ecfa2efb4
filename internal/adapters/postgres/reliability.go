package postgres

import (
	"context"
)

// ReliabilityRepository
func (db *DB) Reliability(ctx context.Context, supplierID string) (float64, int64, error) {
	var score float64
	var version int64
	err := db.Pool.QueryRow(ctx, `
        SELECT reliability_index, reliability_version FROM locations WHERE location_id = $1
    `, supplierID).Scan(&score, &version)
	return score, version, notFound(err)
}

func (db *DB) CompareAndSetReliability(ctx context.Context, supplierID string, expected int64, score float64) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
        UPDATE locations
        SET reliability_index = $3, reliability_version = reliability_version + 1
        WHERE location_id = $1 AND reliability_version = $2
    `, supplierID, expected, score)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
