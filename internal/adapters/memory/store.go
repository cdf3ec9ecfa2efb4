// Package memory is an in-process implementation of every storage port. It
// backs the test suites and STORAGE_BACKEND=memory for local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"aegis/internal/domain"
	"aegis/internal/geo"
	"aegis/internal/ports"
)

type Store struct {
	mu        sync.RWMutex
	hazards   map[string]domain.Hazard
	locations map[string]domain.Location
	versions  map[string]int64
	sla       map[string]float64
	proposals map[string]domain.Proposal
	buckets   []domain.DelayBucket
	anomalies []domain.AnomalyRecord
	history   map[string]domain.DeliveryStats

	now func() time.Time
}

var (
	_ ports.HazardStore           = (*Store)(nil)
	_ ports.LocationStore         = (*Store)(nil)
	_ ports.CandidateStore        = (*Store)(nil)
	_ ports.SLAStore              = (*Store)(nil)
	_ ports.ProposalRepository    = (*Store)(nil)
	_ ports.ReliabilityRepository = (*Store)(nil)
	_ ports.DelaySource           = (*Store)(nil)
	_ ports.AnomalySource         = (*Store)(nil)
	_ ports.DeliveryHistory       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		hazards:   make(map[string]domain.Hazard),
		locations: make(map[string]domain.Location),
		versions:  make(map[string]int64),
		sla:       make(map[string]float64),
		proposals: make(map[string]domain.Proposal),
		history:   make(map[string]domain.DeliveryStats),
		now:       time.Now,
	}
}

// Seeding helpers.

func (s *Store) PutHazard(h domain.Hazard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hazards[h.ID] = h
}

func (s *Store) PutLocation(l domain.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
	s.versions[l.ID]++
}

func (s *Store) SetSLAScore(supplierID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sla[supplierID] = score
}

func (s *Store) AddDelayBuckets(b ...domain.DelayBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = append(s.buckets, b...)
}

func (s *Store) AddAnomalies(a ...domain.AnomalyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, a...)
}

func (s *Store) SetDeliveryStats(supplierID string, st domain.DeliveryStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[supplierID] = st
}

// HazardStore

func (s *Store) ActiveHazards(ctx context.Context) ([]domain.Hazard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Hazard
	for _, h := range s.hazards {
		if h.Status == domain.HazardActive {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Hazard(ctx context.Context, hazardID string) (domain.Hazard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hazards[hazardID]
	if !ok {
		return domain.Hazard{}, ports.ErrNotFound
	}
	return h, nil
}

// LocationStore

func (s *Store) IntersectingLocations(ctx context.Context, zone orb.Polygon) ([]domain.Location, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Location
	var total float64
	for _, l := range s.locations {
		if !l.Active || !geo.Contains(zone, l.Coordinates) {
			continue
		}
		out = append(out, l)
		total += l.InventoryValue
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InventoryValue != out[j].InventoryValue {
			return out[i].InventoryValue > out[j].InventoryValue
		}
		return out[i].ID < out[j].ID
	})
	return out, total, nil
}

func (s *Store) Location(ctx context.Context, locationID string) (domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[locationID]
	if !ok {
		return domain.Location{}, ports.ErrNotFound
	}
	return l, nil
}

// CandidateStore

func (s *Store) EligibleSuppliers(ctx context.Context, center orb.Point, exclusionKm float64, limit int) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Location
	for _, l := range s.locations {
		if !l.Active || l.Type != domain.LocationSupplier {
			continue
		}
		if geo.HaversineKm(center, l.Coordinates) <= exclusionKm {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SLAStore

func (s *Store) SLAScores(ctx context.Context, supplierIDs []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for _, id := range supplierIDs {
		if v, ok := s.sla[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// ProposalRepository

func (s *Store) Put(ctx context.Context, p domain.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if prev, ok := s.proposals[p.ID]; ok && !prev.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.RouteGeometry = slices.Clone(p.RouteGeometry)
	s.proposals[p.ID] = p
	return nil
}

func (s *Store) Get(ctx context.Context, proposalID string) (domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return domain.Proposal{}, ports.ErrNotFound
	}
	return p, nil
}

func (s *Store) List(ctx context.Context, statuses []domain.ProposalStatus, limit, offset int) ([]domain.Proposal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.Proposal
	for _, p := range s.proposals {
		if len(statuses) > 0 && !slices.Contains(statuses, p.Status) {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return strings.Compare(all[i].ID, all[j].ID) < 0
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *Store) Transition(ctx context.Context, proposalID string, from, to domain.ProposalStatus, decidedBy string) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return domain.Proposal{}, ports.ErrNotFound
	}
	if p.Status != from {
		return p, fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, ports.ErrInvalidTransition)
	}
	p.Status = to
	p.Approved = to == domain.StatusApproved || to == domain.StatusAutoApproved
	p.DecidedBy = decidedBy
	p.UpdatedAt = s.now()
	s.proposals[p.ID] = p
	return p, nil
}

// ReliabilityRepository

func (s *Store) Reliability(ctx context.Context, supplierID string) (float64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[supplierID]
	if !ok {
		return 0, 0, ports.ErrNotFound
	}
	return l.Reliability, s.versions[supplierID], nil
}

func (s *Store) CompareAndSetReliability(ctx context.Context, supplierID string, expected int64, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[supplierID]
	if !ok {
		return false, ports.ErrNotFound
	}
	if s.versions[supplierID] != expected {
		return false, nil
	}
	l.Reliability = score
	s.locations[supplierID] = l
	s.versions[supplierID]++
	return true, nil
}

// DelaySource, AnomalySource, DeliveryHistory. Seeded data is returned as-is;
// the window arguments only matter for the real stores.

func (s *Store) DelayBuckets(ctx context.Context, window, bucket time.Duration) ([]domain.DelayBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.buckets), nil
}

func (s *Store) Anomalies(ctx context.Context, window time.Duration, minScore float64) ([]domain.AnomalyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AnomalyRecord
	for _, a := range s.anomalies {
		if a.Score >= minScore {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) DeliveryStats(ctx context.Context, supplierID string, window time.Duration) (domain.DeliveryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[supplierID], nil
}
