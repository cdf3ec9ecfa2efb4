package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/adapters/memory"
	"aegis/internal/domain"
	"aegis/internal/ports"
	"aegis/internal/services/auditor"
	"aegis/internal/services/procurement"
	"aegis/internal/services/reliability"
	"aegis/internal/services/watcher"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubRouter map[orb.Point]domain.Route

func (r stubRouter) Route(ctx context.Context, origin, dest orb.Point, avoid orb.Polygon) (domain.Route, error) {
	if rt, ok := r[dest]; ok {
		return rt, nil
	}
	return domain.Route{}, errors.New("no route")
}

type recordingNotifier struct {
	mu       sync.Mutex
	requests []ports.ApprovalRequest
}

func (n *recordingNotifier) SendApproval(ctx context.Context, req ports.ApprovalRequest) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	return true, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Stage+":"+ev.Status)
	}
	return out
}

var (
	zone = orb.Polygon{orb.Ring{{-81, 25}, {-79, 25}, {-79, 27}, {-81, 27}, {-81, 25}}}
	supA = domain.Location{ID: "sup-a", Name: "Atlanta Components", Type: domain.LocationSupplier,
		Coordinates: orb.Point{-84.4, 33.7}, InventoryValue: 100_000, Reliability: 0.9, Active: true}
	supB = domain.Location{ID: "sup-b", Name: "Charlotte Parts", Type: domain.LocationSupplier,
		Coordinates: orb.Point{-80.8, 35.2}, InventoryValue: 40_000, Reliability: 0.6, Active: true}
)

type fixture struct {
	store    *memory.Store
	notifier *recordingNotifier
	sink     *recordingSink
	svc      *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	store.PutHazard(domain.Hazard{ID: "haz-1", Category: "Hurricane Warning", Headline: "Hurricane Milton",
		Severity: domain.SeverityExtreme, Zone: zone, Status: domain.HazardActive})
	store.PutLocation(domain.Location{ID: "wh-1", Name: "Miami DC", Type: domain.LocationWarehouse,
		Coordinates: orb.Point{-80.2, 25.8}, InventoryValue: 2_000_000, Reliability: 0.8, Active: true})
	store.PutLocation(supA)
	store.PutLocation(supB)
	store.SetSLAScore("sup-a", 0.8)
	store.SetSLAScore("sup-b", 0.5)

	router := stubRouter{
		supA.Coordinates: {DistanceKm: 1000, DurationMinutes: 120},
		supB.Coordinates: {DistanceKm: 400, DurationMinutes: 60},
	}
	rel := reliability.New(store, reliability.DefaultConfig(), discard(), nil)
	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	svc := New(Deps{
		Detector:  watcher.New(store, store, store, store, watcher.DefaultConfig(), discard()),
		Proposer:  procurement.New(store, store, nil, router, procurement.DefaultConfig(), discard()),
		Auditor:   auditor.New(store, rel, auditor.DefaultConfig(), discard()),
		Hazards:   store,
		Locations: store,
		Proposals: store,
		Notifier:  notifier,
		Events:    sink,
		Logger:    discard(),
	})
	svc.newRunID = func() string { return "run-1" }
	return fixture{store: store, notifier: notifier, sink: sink, svc: svc}
}

func TestRun_EndToEndAutoExecute(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 1, res.CorrelationsFound)
	assert.Equal(t, 2, res.ProposalsGenerated)
	assert.Len(t, res.Proposals, 2)
	assert.InDelta(t, 2_000_000, res.ValueAtRisk, 1e-6)
	require.Len(t, res.Verdicts, 1)
	require.Len(t, res.Actions, 1)

	action := res.Actions[0]
	assert.Equal(t, domain.ActionAutoExecuted, action.Type)
	assert.Nil(t, action.Delivered)
	assert.Empty(t, f.notifier.requests)

	stored, err := f.store.Get(context.Background(), action.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, "sup-a", stored.ProposedSupplierID)
	assert.Equal(t, domain.StatusAutoApproved, stored.Status)
	require.NotNil(t, stored.Confidence)
	assert.InDelta(t, res.Verdicts[0].Confidence, *stored.Confidence, 1e-12)
	assert.NotEmpty(t, stored.AuditExplanation)

	all, total, err := f.store.List(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	statuses := map[domain.ProposalStatus]int{}
	for _, p := range all {
		statuses[p.Status]++
	}
	assert.Equal(t, map[domain.ProposalStatus]int{domain.StatusAutoApproved: 1, domain.StatusPending: 1}, statuses)

	assert.Equal(t, []string{
		"pipeline:running",
		"watcher:running",
		"watcher:complete",
		"procurement:running",
		"procurement:complete",
		"auditor:running",
		"auditor:complete",
		"pipeline:complete",
	}, f.sink.stages())
}

func TestRun_ExpensiveRerouteRequestsApproval(t *testing.T) {
	f := newFixture(t)
	a := supA
	a.InventoryValue = 1_000_000
	f.store.PutLocation(a)

	res, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)

	action := res.Actions[0]
	assert.Equal(t, domain.ActionHITL, action.Type)
	require.NotNil(t, action.Delivered)
	assert.True(t, *action.Delivered)

	require.Len(t, f.notifier.requests, 1)
	req := f.notifier.requests[0]
	assert.Equal(t, action.ProposalID, req.ProposalID)
	assert.Equal(t, "Hurricane Milton", req.ThreatHeadline)
	assert.Equal(t, "wh-1", req.OriginalSupplier)
	assert.InDelta(t, 52_500, req.CostUSD, 1e-6)

	stored, err := f.store.Get(context.Background(), action.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, stored.Status)
	assert.True(t, stored.NotificationSent)
	assert.True(t, stored.RequiresHITL)
}

func TestRun_NoCorrelations(t *testing.T) {
	store := memory.New()
	sink := &recordingSink{}
	svc := New(Deps{
		Detector:  watcher.New(store, nil, store, store, watcher.DefaultConfig(), discard()),
		Hazards:   store,
		Locations: store,
		Proposals: store,
		Events:    sink,
		Logger:    discard(),
	})

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.CorrelationsFound)
	assert.Empty(t, res.Actions)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, domain.StagePipeline, last.Stage)
	assert.Equal(t, domain.EventComplete, last.Status)
	assert.Equal(t, "no_correlations", last.Reason)
}

func TestRun_NoProposals(t *testing.T) {
	f := newFixture(t)
	for _, s := range []domain.Location{supA, supB} {
		s.Active = false
		f.store.PutLocation(s)
	}

	res, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CorrelationsFound)
	assert.Zero(t, res.ProposalsGenerated)
	assert.Empty(t, res.Actions)
	assert.Equal(t, "no_proposals", f.sink.events[len(f.sink.events)-1].Reason)
}

func TestRun_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBestPerThreat(t *testing.T) {
	props := []domain.Proposal{
		{ID: "p1", ThreatID: "T", AttentionScore: 0.002},
		{ID: "p2", ThreatID: "T", AttentionScore: 0.009},
		{ID: "q1", ThreatID: "U", AttentionScore: 0.001},
		{ID: "p3", ThreatID: "T", AttentionScore: 0.004},
	}
	best := BestPerThreat(props)
	require.Len(t, best, 2)
	assert.Equal(t, "p2", best[0].ID)
	assert.Equal(t, "q1", best[1].ID)
}

func TestBestPerThreat_TieKeepsFirst(t *testing.T) {
	best := BestPerThreat([]domain.Proposal{
		{ID: "first", ThreatID: "T", AttentionScore: 0.005},
		{ID: "second", ThreatID: "T", AttentionScore: 0.005},
	})
	require.Len(t, best, 1)
	assert.Equal(t, "first", best[0].ID)
}

func TestOriginOf(t *testing.T) {
	_, ok := OriginOf(nil)
	assert.False(t, ok)

	got, ok := OriginOf([]domain.AffectedLocation{
		{ID: "a", InventoryValue: 10},
		{ID: "b", InventoryValue: 30},
		{ID: "c", InventoryValue: 30},
	})
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
}

type failingRepo struct{ *memory.Store }

func (failingRepo) Put(context.Context, domain.Proposal) error { return errors.New("disk full") }

func TestRun_PersistenceFailureDoesNotChangeDecisions(t *testing.T) {
	f := newFixture(t)
	f.svc.Proposals = failingRepo{f.store}

	res, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, domain.ActionAutoExecuted, res.Actions[0].Type)
}
