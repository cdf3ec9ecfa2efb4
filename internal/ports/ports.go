package ports

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"

	"aegis/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DelaySource aggregates delay observations into fixed buckets.
type DelaySource interface {
	DelayBuckets(ctx context.Context, window, bucket time.Duration) ([]domain.DelayBucket, error)
}

// AnomalySource returns anomaly records scoring at least minScore.
type AnomalySource interface {
	Anomalies(ctx context.Context, window time.Duration, minScore float64) ([]domain.AnomalyRecord, error)
}

// DeliveryHistory summarises a supplier's past deliveries.
type DeliveryHistory interface {
	DeliveryStats(ctx context.Context, supplierID string, window time.Duration) (domain.DeliveryStats, error)
}

// SemanticSLASearch scores suppliers' contract text against a query. Scores
// are raw similarity values, not normalised.
type SemanticSLASearch interface {
	SimilarContracts(ctx context.Context, query string, limit int) (map[string]float64, error)
}

// Router computes a driving route that tries to avoid the given zone.
type Router interface {
	Route(ctx context.Context, origin, dest orb.Point, avoid orb.Polygon) (domain.Route, error)
}

// ApprovalRequest is what a human approver sees.
type ApprovalRequest struct {
	ProposalID       string
	ThreatHeadline   string
	OriginalSupplier string
	ProposedSupplier string
	CostUSD          float64
	AttentionScore   float64
	DriveTimeMinutes float64
	Rationale        string
}

// Notifier delivers approval requests. delivered reports whether the primary
// channel accepted the message.
type Notifier interface {
	SendApproval(ctx context.Context, req ApprovalRequest) (delivered bool, err error)
}

// ProgressSink receives pipeline progress events. Emit must not block.
type ProgressSink interface {
	Emit(ev domain.Event)
}

// PipelineRunner executes one pipeline run.
type PipelineRunner interface {
	Run(ctx context.Context) (domain.PipelineResult, error)
}
