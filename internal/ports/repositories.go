package ports

import (
	"context"

	"github.com/paulmach/orb"

	"aegis/internal/domain"
)

// HazardStore reads active hazards. Ingestion and expiry happen elsewhere.
type HazardStore interface {
	ActiveHazards(ctx context.Context) ([]domain.Hazard, error)
	Hazard(ctx context.Context, hazardID string) (domain.Hazard, error)
}

// LocationStore answers geometry and lookup queries over supply-chain nodes.
type LocationStore interface {
	// IntersectingLocations returns active nodes inside the zone and the summed
	// inventory value of every match.
	IntersectingLocations(ctx context.Context, zone orb.Polygon) (locs []domain.Location, valueAtRisk float64, err error)
	Location(ctx context.Context, locationID string) (domain.Location, error)
}

// CandidateStore lists eligible alternate suppliers.
type CandidateStore interface {
	// EligibleSuppliers returns active suppliers farther than exclusionKm from
	// center, sorted by reliability descending.
	EligibleSuppliers(ctx context.Context, center orb.Point, exclusionKm float64, limit int) ([]domain.Location, error)
}

// SLAStore holds precomputed SLA match scores keyed by supplier id.
type SLAStore interface {
	SLAScores(ctx context.Context, supplierIDs []string) (map[string]float64, error)
}

// ProposalRepository persists proposals. Put is an idempotent upsert by id.
type ProposalRepository interface {
	Put(ctx context.Context, p domain.Proposal) error
	Get(ctx context.Context, proposalID string) (domain.Proposal, error)
	List(ctx context.Context, statuses []domain.ProposalStatus, limit, offset int) (items []domain.Proposal, total int, err error)
	// Transition atomically moves a proposal from status from to status to and
	// records who decided. It returns ErrInvalidTransition when the stored
	// status is no longer from, so at most one concurrent caller wins.
	Transition(ctx context.Context, proposalID string, from, to domain.ProposalStatus, decidedBy string) (domain.Proposal, error)
}

// ReliabilityRepository stores supplier reliability with a version for
// optimistic concurrency.
type ReliabilityRepository interface {
	Reliability(ctx context.Context, supplierID string) (score float64, version int64, err error)
	// CompareAndSetReliability writes score only if the stored version still
	// equals expected. ok is false when another writer won.
	CompareAndSetReliability(ctx context.Context, supplierID string, expected int64, score float64) (ok bool, err error)
}
