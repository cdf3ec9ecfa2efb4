package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Core domain models shared by the pipeline stages. Adapters translate their
// storage rows into these; services never see driver types.

type HazardStatus string

const (
	HazardActive  HazardStatus = "active"
	HazardExpired HazardStatus = "expired"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityExtreme  Severity = "extreme"
)

// Hazard is an active geospatial threat. Read-only to the pipeline.
type Hazard struct {
	ID       string
	Source   string
	Category string
	Severity Severity
	Headline string
	Zone     orb.Polygon
	Centroid *orb.Point
	Status   HazardStatus
	Expires  *time.Time
}

type LocationType string

const (
	LocationSupplier     LocationType = "supplier"
	LocationWarehouse    LocationType = "warehouse"
	LocationPort         LocationType = "port"
	LocationDistribution LocationType = "distribution_center"
)

// Location is a supply-chain node. Reliability is the only field the pipeline mutates.
type Location struct {
	ID               string
	Name             string
	Type             LocationType
	Coordinates      orb.Point // lon, lat
	InventoryValue   float64
	Reliability      float64
	AvgLeadTimeHours float64
	ContractSLA      string
	Active           bool
}

// DelayBucket is one time bucket of aggregated delay observations for a
// (location, supplier) pair.
type DelayBucket struct {
	Bucket        time.Time
	LocationID    string
	SupplierID    string
	AvgDelay      float64
	MaxDelay      float64
	ShipmentCount int64
	TotalValue    float64
}

// AnomalyRecord is an externally scored anomaly on a 0-100 scale.
type AnomalyRecord struct {
	EntityID  string
	Score     float64
	Function  string
	JobID     string
	Timestamp time.Time
}

type Trend string

const (
	TrendAccelerating Trend = "accelerating"
	TrendDecelerating Trend = "decelerating"
	TrendStable       Trend = "stable"
)

// Prediction is a per-entity bottleneck forecast.
type Prediction struct {
	LocationID        string
	SupplierID        string
	AvgDelay          float64
	MaxDelay          float64
	ShipmentCount     int64
	TotalValue        float64
	Buckets           int
	Trend             Trend
	LatestBucketDelay float64
	CompositeRisk     float64
	AnomalyScore      *float64
	AnomalyFunction   string
	AnomalyJobID      string
}

// AffectedLocation is the slice of a Location carried on a correlation.
type AffectedLocation struct {
	ID             string
	Name           string
	Type           LocationType
	InventoryValue float64
}

// ThreatCorrelation pairs a hazard with the nodes inside it.
type ThreatCorrelation struct {
	ThreatID          string
	Category          string
	Severity          Severity
	Headline          string
	AffectedLocations []AffectedLocation
	ValueAtRisk       float64
	MaxCompositeRisk  float64
	Corroborated      bool
}

// Detection is the Watcher's output for one cycle.
type Detection struct {
	Predictions     []Prediction
	Anomalies       []AnomalyRecord
	Correlations    []ThreatCorrelation
	AtRiskLocations []Location
	ValueAtRisk     float64
}

// Route is a driving route between two points.
type Route struct {
	DistanceKm      float64
	DurationMinutes float64
	Geometry        orb.LineString
}

type ProposalStatus string

const (
	StatusPending          ProposalStatus = "pending"
	StatusAwaitingApproval ProposalStatus = "awaiting_approval"
	StatusAutoApproved     ProposalStatus = "auto_approved"
	StatusApproved         ProposalStatus = "approved"
	StatusRejected         ProposalStatus = "rejected"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingApproval, StatusAutoApproved, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Proposal is a reroute proposal. Identified by ID; writes are upserts.
type Proposal struct {
	ID                   string
	ThreatID             string
	Rank                 int
	OriginalSupplierID   string
	ProposedSupplierID   string
	ProposedSupplierName string
	AttentionScore       float64
	Reliability          float64
	MatchScore           float64
	DistanceFromThreatKm float64
	DriveTimeMinutes     float64
	DistanceKm           float64
	RouteGeometry        orb.LineString
	CostUSD              float64
	Rationale            string
	Status               ProposalStatus

	// Verdict fields merged onto the proposal once audited.
	RequiresHITL     bool
	Approved         bool
	Confidence       *float64
	RLAdjustment     float64
	AuditExplanation string
	NotificationSent bool
	DecidedBy        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReflectionScores holds each weighted contribution to a verdict's confidence.
type ReflectionScores struct {
	Attention         float64 `json:"attention"`
	Reliability       float64 `json:"reliability"`
	CostEfficiency    float64 `json:"cost_efficiency"`
	DriveTime         float64 `json:"drive_time"`
	SLA               float64 `json:"sla"`
	HistoricalPenalty float64 `json:"historical_penalty"`
}

// Verdict is the Auditor's immutable judgement of one proposal.
type Verdict struct {
	ProposalID   string           `json:"proposal_id"`
	Confidence   float64          `json:"confidence"`
	Approved     bool             `json:"approved"`
	RequiresHITL bool             `json:"requires_hitl"`
	CostUSD      float64          `json:"reroute_cost_usd"`
	RLAdjustment float64          `json:"rl_adjustment"`
	Explanation  string           `json:"explanation"`
	Scores       ReflectionScores `json:"reflection_scores"`
}

type ActionType string

const (
	ActionHITL         ActionType = "hitl_slack_approval"
	ActionAutoExecuted ActionType = "auto_executed"
	ActionRejected     ActionType = "rejected"
)

// Action is the terminal resolution of one verdict.
type Action struct {
	Type       ActionType `json:"type"`
	ProposalID string     `json:"proposal_id"`
	Confidence float64    `json:"confidence"`
	Delivered  *bool      `json:"slack_sent,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// PipelineResult summarises one pipeline run.
type PipelineResult struct {
	RunID              string    `json:"run_id"`
	CorrelationsFound  int       `json:"correlations_found"`
	ProposalsGenerated int       `json:"proposals_generated"`
	ValueAtRisk        float64   `json:"value_at_risk"`
	Verdicts           []Verdict `json:"verdicts"`
	Actions            []Action  `json:"actions_taken"`

	// Proposals holds every proposal scored in the run, before BestPerThreat.
	Proposals []Proposal `json:"-"`
}

type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
)

// ApprovalDecision is a human response to an approval request.
type ApprovalDecision struct {
	ProposalID string         `validate:"required"`
	Action     DecisionAction `validate:"required,oneof=approve reject"`
	ActorID    string
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Adjustment reports one reliability write.
type Adjustment struct {
	SupplierID string  `json:"supplier_id"`
	Previous   float64 `json:"previous_reliability"`
	New        float64 `json:"new_reliability"`
	Delta      float64 `json:"delta"`
}

// DeliveryStats is a supplier's delivery history over a window.
type DeliveryStats struct {
	Total         int64
	Late          int64
	AvgDelayHours float64
}

// LateFraction is Late/Total, zero when there is no history.
func (d DeliveryStats) LateFraction() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Late) / float64(d.Total)
}

const (
	StageWatcher     = "watcher"
	StageProcurement = "procurement"
	StageAuditor     = "auditor"
	StagePipeline    = "pipeline"
	StageExecution   = "execution"

	EventRunning  = "running"
	EventComplete = "complete"
)

// Event is one progress record of a pipeline run.
type Event struct {
	RunID     string             `json:"run_id"`
	Stage     string             `json:"stage"`
	Status    string             `json:"status"`
	Counters  map[string]float64 `json:"counters,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`

	// Set on execution events reported by the downstream workflow.
	ProposalID string `json:"proposal_id,omitempty"`
	ThreatID   string `json:"threat_id,omitempty"`
	Source     string `json:"source,omitempty"`
}
