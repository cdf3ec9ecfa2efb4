// Package watcher turns delay time-series and anomaly records into ranked
// bottleneck predictions, then correlates active hazards with the supply-chain
// nodes inside them.
package watcher

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

type Config struct {
	Window          time.Duration
	Bucket          time.Duration
	DelayFloorHours float64
	MaxPredictions  int
	AnomalyFloor    float64
}

func DefaultConfig() Config {
	return Config{
		Window:          72 * time.Hour,
		Bucket:          6 * time.Hour,
		DelayFloorHours: 2.0,
		MaxPredictions:  50,
		AnomalyFloor:    75,
	}
}

type Service struct {
	delays    ports.DelaySource
	anomalies ports.AnomalySource
	hazards   ports.HazardStore
	locations ports.LocationStore
	cfg       Config
	logger    *slog.Logger
}

// New wires the watcher. anomalies may be nil, in which case every prediction
// uses the delay-only risk formula.
func New(delays ports.DelaySource, anomalies ports.AnomalySource, hazards ports.HazardStore, locations ports.LocationStore, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		delays:    delays,
		anomalies: anomalies,
		hazards:   hazards,
		locations: locations,
		cfg:       cfg,
		logger:    logger.With("component", "watcher"),
	}
}

// Detect runs one full detection cycle. Only a failure to list active hazards
// is returned; every other upstream failure degrades the result instead.
func (s *Service) Detect(ctx context.Context) (domain.Detection, error) {
	var det domain.Detection

	buckets, err := s.delays.DelayBuckets(ctx, s.cfg.Window, s.cfg.Bucket)
	if err != nil {
		s.logger.Error("delay bucketing failed", "err", err)
	} else {
		det.Predictions = Aggregate(buckets, s.cfg.DelayFloorHours, s.cfg.MaxPredictions)
		s.logger.Info("delay bucketing", "buckets", len(buckets), "predictions", len(det.Predictions))
	}

	best := s.bestAnomalies(ctx)
	for _, a := range best {
		det.Anomalies = append(det.Anomalies, a)
	}
	slices.SortFunc(det.Anomalies, func(a, b domain.AnomalyRecord) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), strings.Compare(a.EntityID, b.EntityID))
	})
	Enrich(det.Predictions, best)

	hazards, err := s.hazards.ActiveHazards(ctx)
	if err != nil {
		return det, fmt.Errorf("list active hazards: %w", err)
	}

	for _, h := range hazards {
		if len(h.Zone) == 0 {
			continue
		}
		locs, zoneVAR, err := s.locations.IntersectingLocations(ctx, h.Zone)
		if err != nil {
			s.logger.Error("geo intersect failed", "threat_id", h.ID, "err", err)
			continue
		}
		det.ValueAtRisk += zoneVAR
		if len(locs) == 0 {
			continue
		}
		corr := domain.ThreatCorrelation{
			ThreatID:    h.ID,
			Category:    h.Category,
			Severity:    h.Severity,
			Headline:    h.Headline,
			ValueAtRisk: zoneVAR,
		}
		for _, l := range locs {
			corr.AffectedLocations = append(corr.AffectedLocations, domain.AffectedLocation{
				ID:             l.ID,
				Name:           l.Name,
				Type:           l.Type,
				InventoryValue: l.InventoryValue,
			})
		}
		det.Correlations = append(det.Correlations, corr)
		det.AtRiskLocations = append(det.AtRiskLocations, locs...)
	}

	Corroborate(det.Correlations, det.Predictions)

	corroborated := 0
	for _, c := range det.Correlations {
		if c.Corroborated {
			corroborated++
		}
	}
	s.logger.Info("watcher cycle complete",
		"threats", len(det.Correlations),
		"locations_at_risk", len(det.AtRiskLocations),
		"value_at_risk", det.ValueAtRisk,
		"anomalies", len(det.Anomalies),
		"corroborated", corroborated)
	return det, nil
}

// bestAnomalies keeps the single highest-scoring record per entity.
func (s *Service) bestAnomalies(ctx context.Context) map[string]domain.AnomalyRecord {
	best := make(map[string]domain.AnomalyRecord)
	if s.anomalies == nil {
		return best
	}
	records, err := s.anomalies.Anomalies(ctx, s.cfg.Window, s.cfg.AnomalyFloor)
	if err != nil {
		s.logger.Warn("anomaly query failed, continuing without corroboration", "err", err)
		return best
	}
	for _, r := range records {
		if r.EntityID == "" || r.Score < s.cfg.AnomalyFloor {
			continue
		}
		if cur, ok := best[r.EntityID]; !ok || r.Score > cur.Score {
			best[r.EntityID] = r
		}
	}
	return best
}

type entityKey struct {
	location string
	supplier string
}

// Aggregate collapses per-bucket rows into per-entity predictions, keeping
// entities whose weighted average delay exceeds floorHours, sorted by average
// delay descending and capped at limit.
func Aggregate(rows []domain.DelayBucket, floorHours float64, limit int) []domain.Prediction {
	groups := make(map[entityKey][]domain.DelayBucket)
	var order []entityKey
	for _, r := range rows {
		k := entityKey{r.LocationID, r.SupplierID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []domain.Prediction
	for _, k := range order {
		buckets := groups[k]
		slices.SortStableFunc(buckets, func(a, b domain.DelayBucket) int {
			return a.Bucket.Compare(b.Bucket)
		})

		var shipments int64
		var value, weighted, maxDelay float64
		for _, b := range buckets {
			shipments += b.ShipmentCount
			value += b.TotalValue
			weighted += b.AvgDelay * float64(b.ShipmentCount)
			maxDelay = math.Max(maxDelay, b.MaxDelay)
		}
		avg := weighted / float64(max(shipments, 1))
		if avg <= floorHours {
			continue
		}
		latest := buckets[len(buckets)-1].AvgDelay
		out = append(out, domain.Prediction{
			LocationID:        k.location,
			SupplierID:        k.supplier,
			AvgDelay:          round(avg, 2),
			MaxDelay:          round(maxDelay, 2),
			ShipmentCount:     shipments,
			TotalValue:        round(value, 2),
			Buckets:           len(buckets),
			Trend:             Classify(latest, avg),
			LatestBucketDelay: round(latest, 2),
		})
	}

	slices.SortStableFunc(out, func(a, b domain.Prediction) int {
		return cmp.Compare(b.AvgDelay, a.AvgDelay)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Classify compares the latest bucket's delay to the entity average.
func Classify(latest, avg float64) domain.Trend {
	switch {
	case avg > 0 && latest >= avg*1.1:
		return domain.TrendAccelerating
	case avg > 0 && latest <= avg*0.9:
		return domain.TrendDecelerating
	default:
		return domain.TrendStable
	}
}

// CompositeRisk blends the delay signal with an anomaly score on a 0-100
// scale. A nil score applies the uncorroborated weighting.
func CompositeRisk(avgDelayHours float64, anomalyScore *float64) float64 {
	delay := math.Min(math.Max(avgDelayHours, 0)/24.0, 1.0)
	if anomalyScore != nil {
		return round(0.55*delay+0.45*(*anomalyScore/100.0), 4)
	}
	return round(0.75*delay, 4)
}

// Enrich attaches composite risk and anomaly details to each prediction,
// matching anomalies by supplier id first, then location id, and re-sorts by
// composite risk descending.
func Enrich(preds []domain.Prediction, anomalies map[string]domain.AnomalyRecord) {
	for i := range preds {
		p := &preds[i]
		rec, ok := anomalies[p.SupplierID]
		if !ok || p.SupplierID == "" {
			rec, ok = anomalies[p.LocationID]
		}
		if ok && rec.Score > 0 {
			score := rec.Score
			p.AnomalyScore = &score
			p.AnomalyFunction = rec.Function
			p.AnomalyJobID = rec.JobID
		}
		p.CompositeRisk = CompositeRisk(p.AvgDelay, p.AnomalyScore)
	}
	slices.SortStableFunc(preds, func(a, b domain.Prediction) int {
		return cmp.Compare(b.CompositeRisk, a.CompositeRisk)
	})
}

// Corroborate sets each correlation's maximum composite risk over its affected
// locations and whether any of them carries an anomaly-backed prediction.
func Corroborate(corrs []domain.ThreatCorrelation, preds []domain.Prediction) {
	risk := make(map[string]float64)
	flagged := make(map[string]bool)
	for _, p := range preds {
		if p.LocationID == "" {
			continue
		}
		if p.CompositeRisk > risk[p.LocationID] {
			risk[p.LocationID] = p.CompositeRisk
			flagged[p.LocationID] = p.AnomalyScore != nil
		}
	}
	for i := range corrs {
		c := &corrs[i]
		c.MaxCompositeRisk = 0
		c.Corroborated = false
		for _, l := range c.AffectedLocations {
			if r, ok := risk[l.ID]; ok && r > c.MaxCompositeRisk {
				c.MaxCompositeRisk = r
			}
			if flagged[l.ID] {
				c.Corroborated = true
			}
		}
		c.MaxCompositeRisk = round(c.MaxCompositeRisk, 4)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
