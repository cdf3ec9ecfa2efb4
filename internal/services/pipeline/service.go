// Package pipeline sequences detection, candidate scoring and audit into one
// run, keeps the best proposal per threat, persists every proposal and
// resolves each verdict to a terminal action.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"aegis/internal/domain"
	"aegis/internal/geo"
	"aegis/internal/metrics"
	"aegis/internal/ports"
	"aegis/internal/services/procurement"
)

type Detector interface {
	Detect(ctx context.Context) (domain.Detection, error)
}

type Proposer interface {
	Propose(ctx context.Context, req procurement.Request) []domain.Proposal
}

type Auditor interface {
	Audit(ctx context.Context, p domain.Proposal) domain.Verdict
}

// Deps are the collaborators of a pipeline run. Notifier, Events and Metrics
// are optional.
type Deps struct {
	Detector  Detector
	Proposer  Proposer
	Auditor   Auditor
	Hazards   ports.HazardStore
	Locations ports.LocationStore
	Proposals ports.ProposalRepository
	Notifier  ports.Notifier
	Events    ports.ProgressSink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Service struct {
	Deps
	newRunID func() string
	now      func() time.Time
}

var _ ports.PipelineRunner = (*Service)(nil)

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "pipeline")
	return &Service{Deps: d, newRunID: uuid.NewString, now: time.Now}
}

const (
	outcomeNoCorrelations = "no_correlations"
	outcomeNoProposals    = "no_proposals"
	outcomeCompleted      = "completed"
	outcomeCanceled       = "canceled"
)

// Run executes one pipeline run. Upstream failures degrade the run rather than
// abort it; only context cancellation is returned as an error.
func (s *Service) Run(ctx context.Context) (domain.PipelineResult, error) {
	r := &run{Service: s, id: s.newRunID(), log: s.Logger}
	r.log = s.Logger.With("run_id", r.id)
	res := domain.PipelineResult{RunID: r.id, Verdicts: []domain.Verdict{}, Actions: []domain.Action{}}

	r.emit(domain.StagePipeline, domain.EventRunning, nil, "")

	// detecting
	r.emit(domain.StageWatcher, domain.EventRunning, nil, "")
	start := s.now()
	det, err := s.Detector.Detect(ctx)
	if err != nil {
		r.log.Error("detection failed", "err", err)
	}
	s.Metrics.ObserveStage(domain.StageWatcher, s.now().Sub(start))
	res.CorrelationsFound = len(det.Correlations)
	res.ValueAtRisk = det.ValueAtRisk
	r.emit(domain.StageWatcher, domain.EventComplete, map[string]float64{
		"predictions":       float64(len(det.Predictions)),
		"correlations":      float64(len(det.Correlations)),
		"locations_at_risk": float64(len(det.AtRiskLocations)),
		"value_at_risk":     det.ValueAtRisk,
	}, "")

	if err := ctx.Err(); err != nil {
		return r.finish(res, outcomeCanceled), err
	}
	if len(det.Correlations) == 0 {
		r.log.Info("no threat correlations, nothing to do")
		return r.finish(res, outcomeNoCorrelations), nil
	}

	// scoring
	r.emit(domain.StageProcurement, domain.EventRunning, nil, "")
	start = s.now()
	var all []domain.Proposal
	headlines := make(map[string]string)
	for _, corr := range det.Correlations {
		headlines[corr.ThreatID] = corr.Headline
		all = append(all, r.score(ctx, corr)...)
	}
	s.Metrics.ObserveStage(domain.StageProcurement, s.now().Sub(start))
	s.Metrics.ProposalsGenerated(len(all))
	res.ProposalsGenerated = len(all)
	res.Proposals = all
	r.emit(domain.StageProcurement, domain.EventComplete, map[string]float64{
		"proposals": float64(len(all)),
	}, "")

	if err := ctx.Err(); err != nil {
		return r.finish(res, outcomeCanceled), err
	}
	if len(all) == 0 {
		r.log.Info("no reroute proposals generated")
		return r.finish(res, outcomeNoProposals), nil
	}

	// auditing
	best := BestPerThreat(all)
	r.emit(domain.StageAuditor, domain.EventRunning, map[string]float64{"selected": float64(len(best))}, "")
	start = s.now()
	res.Verdicts = make([]domain.Verdict, 0, len(best))
	for _, p := range best {
		res.Verdicts = append(res.Verdicts, s.Auditor.Audit(ctx, p))
	}
	s.Metrics.ObserveStage(domain.StageAuditor, s.now().Sub(start))

	// resolving
	byID := make(map[string]domain.Proposal, len(best))
	for _, p := range best {
		byID[p.ID] = p
	}
	var approved, hitl, rejected int
	for _, v := range res.Verdicts {
		action := r.resolve(ctx, byID[v.ProposalID], v, headlines)
		switch action.Type {
		case domain.ActionAutoExecuted:
			approved++
		case domain.ActionHITL:
			hitl++
		default:
			rejected++
		}
		s.Metrics.Action(string(action.Type))
		res.Actions = append(res.Actions, action)
	}
	r.emit(domain.StageAuditor, domain.EventComplete, map[string]float64{
		"verdicts":      float64(len(res.Verdicts)),
		"auto_approved": float64(approved),
		"hitl":          float64(hitl),
		"rejected":      float64(rejected),
	}, "")

	r.log.Info("pipeline complete",
		"proposals", len(all),
		"verdicts", len(res.Verdicts),
		"actions", len(res.Actions))
	return r.finish(res, outcomeCompleted), nil
}

// BestPerThreat keeps the highest-attention proposal of each threat, in order
// of first appearance. Ties keep the proposal seen first.
func BestPerThreat(all []domain.Proposal) []domain.Proposal {
	index := make(map[string]int)
	var best []domain.Proposal
	for _, p := range all {
		i, ok := index[p.ThreatID]
		if !ok {
			index[p.ThreatID] = len(best)
			best = append(best, p)
			continue
		}
		if p.AttentionScore > best[i].AttentionScore {
			best[i] = p
		}
	}
	return best
}

// OriginOf picks the affected location with the highest inventory value. Ties
// keep the first.
func OriginOf(locs []domain.AffectedLocation) (domain.AffectedLocation, bool) {
	if len(locs) == 0 {
		return domain.AffectedLocation{}, false
	}
	origin := locs[0]
	for _, l := range locs[1:] {
		if l.InventoryValue > origin.InventoryValue {
			origin = l
		}
	}
	return origin, true
}

type run struct {
	*Service
	id  string
	log *slog.Logger
}

func (r *run) score(ctx context.Context, corr domain.ThreatCorrelation) []domain.Proposal {
	log := r.log.With("threat_id", corr.ThreatID)
	affected, ok := OriginOf(corr.AffectedLocations)
	if !ok {
		return nil
	}
	origin, err := r.Locations.Location(ctx, affected.ID)
	if err != nil {
		log.Warn("origin location unavailable", "location_id", affected.ID, "err", err)
		return nil
	}
	hazard, err := r.Hazards.Hazard(ctx, corr.ThreatID)
	if err != nil {
		log.Warn("hazard unavailable", "err", err)
		return nil
	}

	centroid := hazard.Centroid
	if centroid == nil {
		if c, ok := geo.Centroid(hazard.Zone); ok {
			centroid = &c
		}
	}
	proposals := r.Proposer.Propose(ctx, procurement.Request{
		ThreatID: corr.ThreatID,
		Centroid: clonePoint(centroid),
		Zone:     hazard.Zone,
		Origin:   origin,
	})
	for _, p := range proposals {
		if err := r.Proposals.Put(ctx, p); err != nil {
			log.Error("persist proposal failed", "proposal_id", p.ID, "err", err)
		}
	}
	return proposals
}

func (r *run) resolve(ctx context.Context, p domain.Proposal, v domain.Verdict, headlines map[string]string) domain.Action {
	confidence := v.Confidence
	p.Confidence = &confidence
	p.RequiresHITL = v.RequiresHITL
	p.Approved = v.Approved
	p.RLAdjustment = v.RLAdjustment
	p.AuditExplanation = v.Explanation

	action := domain.Action{ProposalID: v.ProposalID, Confidence: v.Confidence}
	switch {
	case v.RequiresHITL:
		delivered := r.notify(ctx, p, v, headlines[p.ThreatID])
		p.Status = domain.StatusAwaitingApproval
		p.NotificationSent = delivered
		action.Type = domain.ActionHITL
		action.Delivered = &delivered
	case v.Approved:
		p.Status = domain.StatusAutoApproved
		action.Type = domain.ActionAutoExecuted
	default:
		p.Status = domain.StatusRejected
		action.Type = domain.ActionRejected
		action.Reason = v.Explanation
	}

	if err := r.Proposals.Put(ctx, p); err != nil {
		r.log.Error("persist verdict failed", "proposal_id", p.ID, "err", err)
	}
	return action
}

func (r *run) notify(ctx context.Context, p domain.Proposal, v domain.Verdict, headline string) bool {
	if r.Notifier == nil {
		r.log.Warn("no notifier configured, approval request not sent", "proposal_id", p.ID)
		return false
	}
	if headline == "" {
		headline = "Reroute required"
	}
	delivered, err := r.Notifier.SendApproval(ctx, ports.ApprovalRequest{
		ProposalID:       p.ID,
		ThreatHeadline:   headline,
		OriginalSupplier: p.OriginalSupplierID,
		ProposedSupplier: p.ProposedSupplierName,
		CostUSD:          v.CostUSD,
		AttentionScore:   p.AttentionScore,
		DriveTimeMinutes: p.DriveTimeMinutes,
		Rationale:        v.Explanation,
	})
	if err != nil {
		r.log.Error("approval request failed", "proposal_id", p.ID, "err", err)
	}
	return delivered
}

func (r *run) emit(stage, status string, counters map[string]float64, reason string) {
	if r.Events == nil {
		return
	}
	r.Events.Emit(domain.Event{
		RunID:     r.id,
		Stage:     stage,
		Status:    status,
		Counters:  counters,
		Reason:    reason,
		Timestamp: r.now().UTC(),
	})
}

func (r *run) finish(res domain.PipelineResult, outcome string) domain.PipelineResult {
	reason := ""
	if outcome != outcomeCompleted {
		reason = outcome
	}
	r.emit(domain.StagePipeline, domain.EventComplete, map[string]float64{
		"correlations": float64(res.CorrelationsFound),
		"proposals":    float64(res.ProposalsGenerated),
		"actions":      float64(len(res.Actions)),
	}, reason)
	r.Metrics.RunFinished(outcome)
	return res
}

func clonePoint(p *orb.Point) *orb.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
