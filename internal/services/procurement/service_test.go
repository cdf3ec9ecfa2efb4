package procurement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/adapters/memory"
	"aegis/internal/domain"
	"aegis/internal/geo"
)

type stubRouter struct {
	routes map[orb.Point]domain.Route
	calls  atomic.Int32
}

func (r *stubRouter) Route(ctx context.Context, origin, dest orb.Point, avoid orb.Polygon) (domain.Route, error) {
	r.calls.Add(1)
	if rt, ok := r.routes[dest]; ok {
		return rt, nil
	}
	return domain.Route{}, errors.New("no route")
}

type stubSemantic struct {
	scores map[string]float64
	err    error
}

func (s stubSemantic) SimilarContracts(ctx context.Context, query string, limit int) (map[string]float64, error) {
	return s.scores, s.err
}

var (
	hazardCenter = orb.Point{-80, 26}
	hazardZone   = orb.Polygon{orb.Ring{{-81, 25}, {-79, 25}, {-79, 27}, {-81, 27}, {-81, 25}}}
	origin       = domain.Location{ID: "wh-1", Name: "Miami DC", Type: domain.LocationWarehouse,
		Coordinates: orb.Point{-80.2, 25.8}, InventoryValue: 2_000_000, Active: true}

	supA = domain.Location{ID: "sup-a", Name: "Atlanta Components", Type: domain.LocationSupplier,
		Coordinates: orb.Point{-84.4, 33.7}, InventoryValue: 100_000, Reliability: 0.9, AvgLeadTimeHours: 10, Active: true}
	supB = domain.Location{ID: "sup-b", Name: "Charlotte Parts", Type: domain.LocationSupplier,
		Coordinates: orb.Point{-80.8, 35.2}, InventoryValue: 40_000, Reliability: 0.6, AvgLeadTimeHours: 6, Active: true}
	// inside the exclusion radius
	supNear = domain.Location{ID: "sup-near", Name: "Fort Lauderdale", Type: domain.LocationSupplier,
		Coordinates: orb.Point{-80.1, 26.1}, Reliability: 1, Active: true}
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seeded() *memory.Store {
	store := memory.New()
	store.PutLocation(origin)
	store.PutLocation(supA)
	store.PutLocation(supB)
	store.PutLocation(supNear)
	return store
}

func request() Request {
	c := hazardCenter
	return Request{ThreatID: "haz-1", Centroid: &c, Zone: hazardZone, Origin: origin}
}

func TestPropose_RanksByAttention(t *testing.T) {
	store := seeded()
	store.SetSLAScore("sup-a", 0.8)
	store.SetSLAScore("sup-b", 0.5)
	router := &stubRouter{routes: map[orb.Point]domain.Route{
		supA.Coordinates: {DistanceKm: 1000, DurationMinutes: 120},
		supB.Coordinates: {DistanceKm: 400, DurationMinutes: 60},
	}}

	svc := New(store, store, nil, router, DefaultConfig(), discard())
	props := svc.Propose(context.Background(), request())
	require.Len(t, props, 2)

	// 0.8*0.9/120 = 0.006 beats 0.5*0.6/60 = 0.005
	assert.Equal(t, "sup-a", props[0].ProposedSupplierID)
	assert.Equal(t, 1, props[0].Rank)
	assert.InDelta(t, 0.006, props[0].AttentionScore, 1e-9)
	assert.Equal(t, "sup-b", props[1].ProposedSupplierID)
	assert.InDelta(t, 0.005, props[1].AttentionScore, 1e-9)

	assert.Equal(t, "wh-1", props[0].OriginalSupplierID)
	assert.Equal(t, "haz-1", props[0].ThreatID)
	assert.Equal(t, domain.StatusPending, props[0].Status)
	assert.InDelta(t, 0.05*100_000+2.5*1000, props[0].CostUSD, 1e-6)
	assert.Contains(t, props[0].Rationale, "A = (V×R)/T = (0.800 × 0.900) / 120min")
	assert.Equal(t, int32(2), router.calls.Load())
}

func TestPropose_RoutingFallback(t *testing.T) {
	store := seeded()
	svc := New(store, store, nil, &stubRouter{}, DefaultConfig(), discard())

	props := svc.Propose(context.Background(), request())
	require.Len(t, props, 2)

	byID := map[string]domain.Proposal{}
	for _, p := range props {
		byID[p.ProposedSupplierID] = p
	}
	a := byID["sup-a"]
	assert.InDelta(t, 600, a.DriveTimeMinutes, 1e-9)
	assert.InDelta(t, 1.3*geo.HaversineKm(hazardCenter, supA.Coordinates), a.DistanceKm, 0.01)
	assert.Nil(t, a.RouteGeometry)
	// default match score 0.5
	assert.InDelta(t, 0.5, a.MatchScore, 1e-9)
}

func TestPropose_SemanticFallbackNormalises(t *testing.T) {
	store := seeded()
	semantic := stubSemantic{scores: map[string]float64{"sup-a": 0.4, "sup-b": 0.8}}
	svc := New(store, store, semantic, nil, DefaultConfig(), discard())

	props := svc.Propose(context.Background(), request())
	require.Len(t, props, 2)
	byID := map[string]domain.Proposal{}
	for _, p := range props {
		byID[p.ProposedSupplierID] = p
	}
	assert.InDelta(t, 0.5, byID["sup-a"].MatchScore, 1e-9)
	assert.InDelta(t, 1.0, byID["sup-b"].MatchScore, 1e-9)
}

func TestPropose_SemanticFailureUsesDefault(t *testing.T) {
	store := seeded()
	svc := New(store, store, stubSemantic{err: errors.New("down")}, nil, DefaultConfig(), discard())
	props := svc.Propose(context.Background(), request())
	require.NotEmpty(t, props)
	for _, p := range props {
		assert.InDelta(t, 0.5, p.MatchScore, 1e-9)
	}
}

func TestPropose_EmptyCases(t *testing.T) {
	store := seeded()
	svc := New(store, store, nil, nil, DefaultConfig(), discard())

	req := request()
	req.Centroid = nil
	assert.Empty(t, svc.Propose(context.Background(), req))

	empty := memory.New()
	svc = New(empty, empty, nil, nil, DefaultConfig(), discard())
	assert.Empty(t, svc.Propose(context.Background(), request()))
}

func TestPropose_CapsRoutingAndProposals(t *testing.T) {
	store := memory.New()
	for i := 0; i < 15; i++ {
		store.PutLocation(domain.Location{
			ID:          "sup-" + string(rune('a'+i)),
			Name:        "Supplier",
			Type:        domain.LocationSupplier,
			Coordinates: orb.Point{-90 + float64(i)*0.1, 40},
			Reliability: 0.5 + float64(i)*0.01,
			Active:      true,
		})
	}
	router := &stubRouter{}
	svc := New(store, store, nil, router, DefaultConfig(), discard())

	props := svc.Propose(context.Background(), request())
	assert.Len(t, props, 5)
	assert.Equal(t, int32(10), router.calls.Load())
}

func TestNewProposalID(t *testing.T) {
	re := regexp.MustCompile(`^prop-[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewProposalID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestAttentionScore(t *testing.T) {
	assert.InDelta(t, 0.006, AttentionScore(0.8, 0.9, 120), 1e-12)
	// zero drive time is floored
	assert.InDelta(t, 0.72/0.1, AttentionScore(0.8, 0.9, 0), 1e-9)
	// monotone in reliability and match, decreasing in time
	assert.Greater(t, AttentionScore(0.8, 0.95, 120), AttentionScore(0.8, 0.9, 120))
	assert.Greater(t, AttentionScore(0.9, 0.9, 120), AttentionScore(0.8, 0.9, 120))
	assert.Less(t, AttentionScore(0.8, 0.9, 130), AttentionScore(0.8, 0.9, 120))
}

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]float64{"a": 2, "b": 1})
	assert.Equal(t, map[string]float64{"a": 1, "b": 0.5}, got)
	assert.Empty(t, Normalize(nil))
}
