package memory

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

var zone = orb.Polygon{orb.Ring{{-81, 25}, {-79, 25}, {-79, 27}, {-81, 27}, {-81, 25}}}

func seeded() *Store {
	s := New()
	s.PutLocation(domain.Location{ID: "wh-miami", Type: domain.LocationWarehouse, Coordinates: orb.Point{-80.2, 25.8}, InventoryValue: 300, Active: true})
	s.PutLocation(domain.Location{ID: "sup-miami", Type: domain.LocationSupplier, Coordinates: orb.Point{-80.3, 25.9}, InventoryValue: 500, Reliability: 0.8, Active: true})
	s.PutLocation(domain.Location{ID: "sup-closed", Type: domain.LocationSupplier, Coordinates: orb.Point{-80.1, 26.0}, InventoryValue: 900, Active: false})
	s.PutLocation(domain.Location{ID: "sup-atl", Type: domain.LocationSupplier, Coordinates: orb.Point{-84.4, 33.7}, Reliability: 0.9, Active: true})
	s.PutLocation(domain.Location{ID: "sup-orl", Type: domain.LocationSupplier, Coordinates: orb.Point{-81.4, 28.5}, Reliability: 0.9, Active: true})
	s.PutLocation(domain.Location{ID: "sup-clt", Type: domain.LocationSupplier, Coordinates: orb.Point{-80.8, 35.2}, Reliability: 0.4, Active: true})
	return s
}

func TestIntersectingLocations(t *testing.T) {
	s := seeded()
	locs, total, err := s.IntersectingLocations(context.Background(), zone)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "sup-miami", locs[0].ID)
	assert.Equal(t, "wh-miami", locs[1].ID)
	assert.Equal(t, 800.0, total)
}

func TestEligibleSuppliers(t *testing.T) {
	s := seeded()
	center := orb.Point{-80, 26}

	got, err := s.EligibleSuppliers(context.Background(), center, 100, 0)
	require.NoError(t, err)
	var ids []string
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	// equal reliability breaks ties by id; nodes within 100 km are excluded
	assert.Equal(t, []string{"sup-atl", "sup-orl", "sup-clt"}, ids)

	got, err = s.EligibleSuppliers(context.Background(), center, 100, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestProposalPutIsIdempotentUpsert(t *testing.T) {
	s := New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, domain.Proposal{ID: "prop-1", Status: domain.StatusPending}))
	s.now = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, s.Put(ctx, domain.Proposal{ID: "prop-1", Status: domain.StatusAutoApproved}))

	p, err := s.Get(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoApproved, p.Status)
	assert.Equal(t, t0, p.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), p.UpdatedAt)

	_, total, err := s.List(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, err = s.Get(ctx, "prop-2")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestListPaginates(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		st := domain.StatusPending
		if i%2 == 1 {
			st = domain.StatusRejected
		}
		require.NoError(t, s.Put(ctx, domain.Proposal{ID: id, Status: st, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	items, total, err := s.List(ctx, nil, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "e", items[0].ID, "newest first")

	items, total, err = s.List(ctx, []domain.ProposalStatus{domain.StatusPending}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	items, _, err = s.List(ctx, nil, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCompareAndSetReliability(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	score, v, err := s.Reliability(ctx, "sup-atl")
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)

	ok, err := s.CompareAndSetReliability(ctx, "sup-atl", v, 0.95)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetReliability(ctx, "sup-atl", v, 0.1)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must lose")

	score, _, err = s.Reliability(ctx, "sup-atl")
	require.NoError(t, err)
	assert.Equal(t, 0.95, score)

	_, err = s.CompareAndSetReliability(ctx, "ghost", 0, 1)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestAnomaliesFloor(t *testing.T) {
	s := New()
	s.AddAnomalies(domain.AnomalyRecord{EntityID: "a", Score: 74.9}, domain.AnomalyRecord{EntityID: "b", Score: 75})
	got, err := s.Anomalies(context.Background(), 72*time.Hour, 75)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].EntityID)
}

func TestTransition(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, domain.Proposal{ID: "prop-1", Status: domain.StatusAwaitingApproval}))

	p, err := s.Transition(ctx, "prop-1", domain.StatusAwaitingApproval, domain.StatusApproved, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, p.Status)
	assert.True(t, p.Approved)
	assert.Equal(t, "U1", p.DecidedBy)

	p, err = s.Transition(ctx, "prop-1", domain.StatusAwaitingApproval, domain.StatusRejected, "U2")
	assert.ErrorIs(t, err, ports.ErrInvalidTransition)
	assert.Equal(t, domain.StatusApproved, p.Status)

	stored, err := s.Get(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "U1", stored.DecidedBy)

	_, err = s.Transition(ctx, "ghost", domain.StatusAwaitingApproval, domain.StatusApproved, "U1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
