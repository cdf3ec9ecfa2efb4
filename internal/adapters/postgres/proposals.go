package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

// ProposalRepository

func (db *DB) Put(ctx context.Context, p domain.Proposal) error {
	route, err := lineJSON(p.RouteGeometry)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
        INSERT INTO proposals (
            proposal_id, threat_id, rank, original_supplier_id, proposed_supplier_id,
            proposed_supplier_name, attention_score, reliability_index, match_score,
            distance_from_threat_km, drive_time_minutes, distance_km, route_geometry,
            reroute_cost_usd, rationale, status, requires_hitl, approved, confidence,
            rl_adjustment, audit_explanation, notification_sent, decided_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
                $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
        ON CONFLICT (proposal_id) DO UPDATE SET
            threat_id = EXCLUDED.threat_id,
            rank = EXCLUDED.rank,
            original_supplier_id = EXCLUDED.original_supplier_id,
            proposed_supplier_id = EXCLUDED.proposed_supplier_id,
            proposed_supplier_name = EXCLUDED.proposed_supplier_name,
            attention_score = EXCLUDED.attention_score,
            reliability_index = EXCLUDED.reliability_index,
            match_score = EXCLUDED.match_score,
            distance_from_threat_km = EXCLUDED.distance_from_threat_km,
            drive_time_minutes = EXCLUDED.drive_time_minutes,
            distance_km = EXCLUDED.distance_km,
            route_geometry = EXCLUDED.route_geometry,
            reroute_cost_usd = EXCLUDED.reroute_cost_usd,
            rationale = EXCLUDED.rationale,
            status = EXCLUDED.status,
            requires_hitl = EXCLUDED.requires_hitl,
            approved = EXCLUDED.approved,
            confidence = EXCLUDED.confidence,
            rl_adjustment = EXCLUDED.rl_adjustment,
            audit_explanation = EXCLUDED.audit_explanation,
            notification_sent = EXCLUDED.notification_sent,
            decided_by = EXCLUDED.decided_by,
            updated_at = now()`,
		p.ID, p.ThreatID, p.Rank, p.OriginalSupplierID, p.ProposedSupplierID,
		p.ProposedSupplierName, p.AttentionScore, p.Reliability, p.MatchScore,
		p.DistanceFromThreatKm, p.DriveTimeMinutes, p.DistanceKm, route,
		p.CostUSD, p.Rationale, string(p.Status), p.RequiresHITL, p.Approved, p.Confidence,
		p.RLAdjustment, p.AuditExplanation, p.NotificationSent, p.DecidedBy)
	return err
}

const proposalColumns = `
    proposal_id, threat_id, rank, original_supplier_id, proposed_supplier_id,
    proposed_supplier_name, attention_score, reliability_index, match_score,
    distance_from_threat_km, drive_time_minutes, distance_km, route_geometry,
    reroute_cost_usd, rationale, status, requires_hitl, approved, confidence,
    rl_adjustment, audit_explanation, notification_sent, decided_by,
    created_at, updated_at`

func scanProposal(row pgx.Row) (domain.Proposal, error) {
	var p domain.Proposal
	var route []byte
	var created, updated time.Time
	if err := row.Scan(&p.ID, &p.ThreatID, &p.Rank, &p.OriginalSupplierID, &p.ProposedSupplierID,
		&p.ProposedSupplierName, &p.AttentionScore, &p.Reliability, &p.MatchScore,
		&p.DistanceFromThreatKm, &p.DriveTimeMinutes, &p.DistanceKm, &route,
		&p.CostUSD, &p.Rationale, &p.Status, &p.RequiresHITL, &p.Approved, &p.Confidence,
		&p.RLAdjustment, &p.AuditExplanation, &p.NotificationSent, &p.DecidedBy,
		&created, &updated); err != nil {
		return p, err
	}
	ls, err := parseLine(route)
	if err != nil {
		return p, err
	}
	p.RouteGeometry = ls
	p.CreatedAt, p.UpdatedAt = created, updated
	return p, nil
}

func (db *DB) Get(ctx context.Context, proposalID string) (domain.Proposal, error) {
	p, err := scanProposal(db.Pool.QueryRow(ctx, `SELECT`+proposalColumns+`
        FROM proposals WHERE proposal_id = $1`, proposalID))
	return p, notFound(err)
}

// List counts and pages in one repeatable-read snapshot so total and items agree.
func (db *DB) List(ctx context.Context, statuses []domain.ProposalStatus, limit, offset int) (items []domain.Proposal, total int, err error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	err = db.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
            SELECT count(*) FROM proposals
            WHERE cardinality($1::text[]) = 0 OR status = ANY($1)`, filter).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT`+proposalColumns+`
            FROM proposals
            WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
            ORDER BY created_at DESC, proposal_id
            LIMIT $2 OFFSET $3`, filter, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProposal(rows)
			if err != nil {
				return err
			}
			items = append(items, p)
		}
		return rows.Err()
	})
	return items, total, err
}

// Transition is a single conditional UPDATE; when no row matches, a follow-up
// read tells a missing proposal apart from one in another status.
func (db *DB) Transition(ctx context.Context, proposalID string, from, to domain.ProposalStatus, decidedBy string) (domain.Proposal, error) {
	approved := to == domain.StatusApproved || to == domain.StatusAutoApproved
	p, err := scanProposal(db.Pool.QueryRow(ctx, `
        UPDATE proposals
        SET status = $3, approved = $4, decided_by = $5, updated_at = now()
        WHERE proposal_id = $1 AND status = $2
        RETURNING`+proposalColumns,
		proposalID, string(from), string(to), approved, decidedBy))
	if !errors.Is(err, pgx.ErrNoRows) {
		return p, err
	}
	current, err := db.Get(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	return current, fmt.Errorf("proposal %s is %s: %w", current.ID, current.Status, ports.ErrInvalidTransition)
}
