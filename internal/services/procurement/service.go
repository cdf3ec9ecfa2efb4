// Package procurement scores alternate suppliers for a threat and emits ranked
// reroute proposals.
//
// Attention score:
//
//	A = (matchScore × reliability) / max(driveTimeMinutes, 0.1)
package procurement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"aegis/internal/domain"
	"aegis/internal/geo"
	"aegis/internal/ports"
)

const minDriveMinutes = 0.1

type Config struct {
	ExclusionKm         float64
	CandidateLimit      int
	RoutedCandidates    int
	MaxProposals        int
	RouteConcurrency    int
	RouteTimeout        time.Duration
	SLAQuery            string
	DefaultMatchScore   float64
	BaseCostRate        float64
	CostPerKm           float64
	RouteDistanceFactor float64
}

func DefaultConfig() Config {
	return Config{
		ExclusionKm:         100,
		CandidateLimit:      20,
		RoutedCandidates:    10,
		MaxProposals:        5,
		RouteConcurrency:    4,
		RouteTimeout:        15 * time.Second,
		SLAQuery:            "reliable fast delivery with penalty clauses",
		DefaultMatchScore:   0.5,
		BaseCostRate:        0.05,
		CostPerKm:           2.5,
		RouteDistanceFactor: 1.3,
	}
}

// Request describes the threat being routed around and the node it endangers.
type Request struct {
	ThreatID string
	Centroid *orb.Point
	Zone     orb.Polygon
	Origin   domain.Location
}

type Service struct {
	candidates ports.CandidateStore
	sla        ports.SLAStore
	semantic   ports.SemanticSLASearch
	router     ports.Router
	cfg        Config
	logger     *slog.Logger
	newID      func() string
}

// New wires the scorer. semantic and router may be nil: match scores then
// fall back to the default and drive times to the lead-time estimate.
func New(candidates ports.CandidateStore, sla ports.SLAStore, semantic ports.SemanticSLASearch, router ports.Router, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RouteConcurrency <= 0 {
		cfg.RouteConcurrency = 1
	}
	return &Service{
		candidates: candidates,
		sla:        sla,
		semantic:   semantic,
		router:     router,
		cfg:        cfg,
		logger:     logger.With("component", "procurement"),
		newID:      NewProposalID,
	}
}

// NewProposalID returns "prop-" followed by 12 hex characters.
func NewProposalID() string {
	return "prop-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type scored struct {
	supplier   domain.Location
	attention  float64
	driveMin   float64
	driveKm    float64
	geometry   orb.LineString
	threatKm   float64
	match      float64
	routeError error
}

// Propose returns up to MaxProposals proposals ranked by attention score. It
// never fails: bad input or an empty candidate set yields no proposals and
// routing failures fall back to estimates.
func (s *Service) Propose(ctx context.Context, req Request) []domain.Proposal {
	log := s.logger.With("threat_id", req.ThreatID)
	if req.Centroid == nil || !geo.ValidPoint(*req.Centroid) {
		log.Warn("missing or invalid threat centroid, skipping")
		return nil
	}
	center := *req.Centroid

	candidates, err := s.candidates.EligibleSuppliers(ctx, center, s.cfg.ExclusionKm, s.cfg.CandidateLimit)
	if err != nil {
		log.Error("candidate query failed", "err", err)
		return nil
	}
	if len(candidates) == 0 {
		log.Warn("no candidate suppliers outside exclusion radius", "exclusion_km", s.cfg.ExclusionKm)
		return nil
	}

	matches := s.matchScores(ctx, candidates)

	routed := candidates[:min(len(candidates), s.cfg.RoutedCandidates)]
	results := make([]scored, len(routed))
	var g errgroup.Group
	g.SetLimit(s.cfg.RouteConcurrency)
	for i, sup := range routed {
		g.Go(func() error {
			results[i] = s.score(ctx, req, center, sup, matches)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.routeError != nil {
			log.Warn("route failed, using lead-time estimate", "supplier_id", r.supplier.ID, "err", r.routeError)
		}
	}

	slices.SortStableFunc(results, func(a, b scored) int {
		return cmp.Compare(b.attention, a.attention)
	})

	top := results[:min(len(results), s.cfg.MaxProposals)]
	proposals := make([]domain.Proposal, 0, len(top))
	for i, r := range top {
		cost := s.cfg.BaseCostRate*r.supplier.InventoryValue + s.cfg.CostPerKm*r.driveKm
		proposals = append(proposals, domain.Proposal{
			ID:                   s.newID(),
			ThreatID:             req.ThreatID,
			Rank:                 i + 1,
			OriginalSupplierID:   cmp.Or(req.Origin.ID, "unknown"),
			ProposedSupplierID:   r.supplier.ID,
			ProposedSupplierName: r.supplier.Name,
			AttentionScore:       round(r.attention, 6),
			Reliability:          r.supplier.Reliability,
			MatchScore:           round(r.match, 4),
			DistanceFromThreatKm: round(r.threatKm, 2),
			DriveTimeMinutes:     round(r.driveMin, 2),
			DistanceKm:           round(r.driveKm, 2),
			RouteGeometry:        r.geometry,
			CostUSD:              round(cost, 2),
			Rationale:            rationale(r),
			Status:               domain.StatusPending,
		})
	}

	log.Info("procurement produced proposals",
		"proposals", len(proposals),
		"candidates", len(candidates),
		"top_supplier", proposals[0].ProposedSupplierName,
		"top_score", proposals[0].AttentionScore)
	return proposals
}

func (s *Service) score(ctx context.Context, req Request, center orb.Point, sup domain.Location, matches map[string]float64) scored {
	r := scored{
		supplier: sup,
		threatKm: geo.HaversineKm(center, sup.Coordinates),
		match:    s.cfg.DefaultMatchScore,
	}
	if m, ok := matches[sup.ID]; ok {
		r.match = m
	}

	route, err := s.route(ctx, req.Origin.Coordinates, sup.Coordinates, req.Zone)
	if err != nil {
		r.routeError = err
		r.driveMin, r.driveKm = FallbackEstimate(sup, r.threatKm, s.cfg.RouteDistanceFactor)
	} else {
		r.driveMin, r.driveKm, r.geometry = route.DurationMinutes, route.DistanceKm, route.Geometry
	}
	r.attention = AttentionScore(r.match, sup.Reliability, r.driveMin)
	return r
}

var errNoRouter = errors.New("no routing provider configured")

func (s *Service) route(ctx context.Context, origin, dest orb.Point, zone orb.Polygon) (domain.Route, error) {
	if s.router == nil {
		return domain.Route{}, errNoRouter
	}
	if s.cfg.RouteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RouteTimeout)
		defer cancel()
	}
	return s.router.Route(ctx, origin, dest, zone)
}

// matchScores resolves SLA match scores: the precomputed lookup first, then
// the semantic search normalised by its best hit. Candidates missing from both
// get the default at scoring time.
func (s *Service) matchScores(ctx context.Context, candidates []domain.Location) map[string]float64 {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	scores, err := s.sla.SLAScores(ctx, ids)
	if err != nil {
		s.logger.Warn("SLA lookup failed, falling back to semantic search", "err", err)
	}
	if len(scores) > 0 {
		return scores
	}
	if s.semantic == nil {
		return map[string]float64{}
	}

	raw, err := s.semantic.SimilarContracts(ctx, s.cfg.SLAQuery, s.cfg.CandidateLimit)
	if err != nil {
		s.logger.Warn("semantic SLA search failed", "err", err)
		return map[string]float64{}
	}
	return Normalize(raw)
}

// Normalize divides every score by the maximum. A non-positive maximum leaves
// the scores untouched.
func Normalize(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	best := math.Inf(-1)
	for _, v := range raw {
		best = math.Max(best, v)
	}
	for k, v := range raw {
		if best > 0 {
			v /= best
		}
		out[k] = v
	}
	return out
}

// AttentionScore is (match × reliability) / max(driveMinutes, 0.1).
func AttentionScore(match, reliability, driveMinutes float64) float64 {
	return (match * reliability) / math.Max(driveMinutes, minDriveMinutes)
}

// FallbackEstimate derives drive time from the supplier's average lead time
// and distance from the great-circle distance scaled by factor.
func FallbackEstimate(sup domain.Location, greatCircleKm, factor float64) (minutes, km float64) {
	lead := sup.AvgLeadTimeHours
	if lead <= 0 {
		lead = 24
	}
	return lead * 60, greatCircleKm * factor
}

func rationale(r scored) string {
	return fmt.Sprintf(
		"Supplier '%s' selected with attention score %.6f. A = (V×R)/T = (%.3f × %.3f) / %.0fmin. Distance from threat: %.0fkm.",
		r.supplier.Name, r.attention, r.match, r.supplier.Reliability, r.driveMin, r.threatKm)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
