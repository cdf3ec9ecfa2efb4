// Package auditor scores a reroute proposal against weighted reflection
// criteria, decides between auto-execution, human approval and rejection, and
// penalises the failing supplier when the proposed vendor's history is poor.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

// Reflection weights. They sum to 1.
const (
	WeightAttention   = 0.30
	WeightReliability = 0.25
	WeightCost        = 0.20
	WeightDriveTime   = 0.15
	WeightSLA         = 0.10
)

const (
	driveTimeCeilingMinutes = 600.0
	hitlConfidenceFloor     = 0.4
	autoApproveFloor        = 0.3
)

type Config struct {
	HITLCostThreshold  float64
	PenaltyFactor      float64
	HistoryWindow      time.Duration
	LateFractionLimit  float64
	AvgDelayLimitHours float64
}

func DefaultConfig() Config {
	return Config{
		HITLCostThreshold:  50_000,
		PenaltyFactor:      0.05,
		HistoryWindow:      90 * 24 * time.Hour,
		LateFractionLimit:  0.3,
		AvgDelayLimitHours: 4.0,
	}
}

// ReliabilityAdjuster applies a penalty to a supplier's persisted reliability.
type ReliabilityAdjuster interface {
	Penalize(ctx context.Context, supplierID string, penalty float64) (domain.Adjustment, error)
}

type Service struct {
	history     ports.DeliveryHistory
	reliability ReliabilityAdjuster
	cfg         Config
	logger      *slog.Logger
}

func New(history ports.DeliveryHistory, reliability ReliabilityAdjuster, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		history:     history,
		reliability: reliability,
		cfg:         cfg,
		logger:      logger.With("component", "auditor"),
	}
}

// Audit produces the verdict for one proposal. History and write-back failures
// are logged and never block the verdict.
func (s *Service) Audit(ctx context.Context, p domain.Proposal) domain.Verdict {
	confidence, scores := Confidence(p.AttentionScore, p.Reliability, p.CostUSD, p.DriveTimeMinutes, p.MatchScore, s.cfg.HITLCostThreshold)

	penalty := s.historicalPenalty(ctx, p.ProposedSupplierID)
	if penalty > 0 {
		confidence = round(math.Max(0, confidence-0.5*penalty), 4)
	}
	scores.HistoricalPenalty = round(penalty, 4)

	hitl, approved := Decide(confidence, p.CostUSD, s.cfg.HITLCostThreshold)

	var adjustment float64
	if penalty > 0 {
		adjustment = -penalty
		if p.OriginalSupplierID != "" && s.reliability != nil {
			if adj, err := s.reliability.Penalize(ctx, p.OriginalSupplierID, penalty); err != nil {
				s.logger.Error("reliability write-back failed", "supplier_id", p.OriginalSupplierID, "err", err)
			} else {
				s.logger.Info("reliability penalty applied",
					"supplier_id", p.OriginalSupplierID,
					"previous", adj.Previous,
					"new", adj.New)
			}
		}
	}

	v := domain.Verdict{
		ProposalID:   p.ID,
		Confidence:   confidence,
		Approved:     approved,
		RequiresHITL: hitl,
		CostUSD:      p.CostUSD,
		RLAdjustment: round(adjustment, 4),
		Scores:       scores,
	}
	v.Explanation = s.explain(p, v, penalty)

	s.logger.Info("audit verdict",
		"proposal_id", p.ID,
		"approved", approved,
		"confidence", confidence,
		"hitl", hitl)
	return v
}

// historicalPenalty is penaltyFactor × (1 + lateFraction) when the proposed
// supplier's history breaches either limit, else 0.
func (s *Service) historicalPenalty(ctx context.Context, supplierID string) float64 {
	if s.history == nil || supplierID == "" {
		return 0
	}
	stats, err := s.history.DeliveryStats(ctx, supplierID, s.cfg.HistoryWindow)
	if err != nil {
		s.logger.Warn("historical check failed", "supplier_id", supplierID, "err", err)
		return 0
	}
	late := stats.LateFraction()
	if late <= s.cfg.LateFractionLimit && stats.AvgDelayHours <= s.cfg.AvgDelayLimitHours {
		return 0
	}
	penalty := s.cfg.PenaltyFactor * (1 + late)
	s.logger.Info("historical penalty",
		"supplier_id", supplierID,
		"late_fraction", late,
		"avg_delay_hours", stats.AvgDelayHours,
		"penalty", penalty)
	return penalty
}

// Confidence is the weighted reflection score, clamped to [0,1] and rounded
// to four places, together with each weighted contribution.
func Confidence(attention, reliability, cost, driveMinutes, match, threshold float64) (float64, domain.ReflectionScores) {
	attentionNorm := math.Min(attention*10, 1)
	driveNorm := math.Max(0, 1-driveMinutes/driveTimeCeilingMinutes)
	costNorm := 0.0
	if threshold > 0 {
		costNorm = math.Max(0, 1-cost/(2*threshold))
	}

	scores := domain.ReflectionScores{
		Attention:      round(WeightAttention*attentionNorm, 4),
		Reliability:    round(WeightReliability*reliability, 4),
		CostEfficiency: round(WeightCost*costNorm, 4),
		DriveTime:      round(WeightDriveTime*driveNorm, 4),
		SLA:            round(WeightSLA*match, 4),
	}
	c := WeightAttention*attentionNorm +
		WeightReliability*reliability +
		WeightCost*costNorm +
		WeightDriveTime*driveNorm +
		WeightSLA*match
	return round(clamp01(c), 4), scores
}

// Decide applies the dynamic threshold: human approval above the cost
// threshold, or for low-confidence proposals costing more than half of it.
// Auto-approval needs no HITL and confidence of at least 0.3.
func Decide(confidence, cost, threshold float64) (requiresHITL, approved bool) {
	requiresHITL = cost >= threshold
	if confidence < hitlConfidenceFloor && cost > 0.5*threshold {
		requiresHITL = true
	}
	approved = !requiresHITL && confidence >= autoApproveFloor
	return requiresHITL, approved
}

func (s *Service) explain(p domain.Proposal, v domain.Verdict, penalty float64) string {
	parts := []string{
		fmt.Sprintf("Confidence: %.4f.", v.Confidence),
		fmt.Sprintf("Attention score contribution: %.6f.", p.AttentionScore),
		fmt.Sprintf("Reliability: %.3f, SLA match: %.3f.", p.Reliability, p.MatchScore),
		fmt.Sprintf("Drive time: %.0f min, Cost: %s.", p.DriveTimeMinutes, domain.FormatUSD(p.CostUSD, 2)),
		fmt.Sprintf("Weighted: attention %.4f, reliability %.4f, cost %.4f, drive time %.4f, SLA %.4f.",
			v.Scores.Attention, v.Scores.Reliability, v.Scores.CostEfficiency, v.Scores.DriveTime, v.Scores.SLA),
	}
	if penalty > 0 {
		parts = append(parts, fmt.Sprintf("Historical penalty applied: %.4f (vendor had poor delivery history).", penalty))
	}
	threshold := s.cfg.HITLCostThreshold
	switch {
	case v.RequiresHITL && p.CostUSD >= threshold:
		parts = append(parts, fmt.Sprintf("HITL required: cost %s exceeds %s threshold.", domain.FormatUSD(p.CostUSD, 2), domain.FormatUSD(threshold, 0)))
	case v.RequiresHITL:
		parts = append(parts, fmt.Sprintf("HITL required: confidence below %.1f on a reroute costing over %s.", hitlConfidenceFloor, domain.FormatUSD(0.5*threshold, 0)))
	case v.Approved:
		parts = append(parts, "Auto-execution approved: within cost threshold.")
	default:
		parts = append(parts, fmt.Sprintf("Rejected: confidence below %.1f.", autoApproveFloor))
	}
	return strings.Join(parts, " ")
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
