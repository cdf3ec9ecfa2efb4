// Package reliability owns the supplier trust score feedback loop. Every write
// is a read-modify-compare-and-set against the stored version, retried on
// contention, so concurrent penalties and rewards never lose an update.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"aegis/internal/domain"
	"aegis/internal/metrics"
	"aegis/internal/ports"
)

type Config struct {
	RewardFactor  float64
	PenaltyFactor float64
	MaxAttempts   uint64
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RewardFactor:  0.02,
		PenaltyFactor: 0.05,
		MaxAttempts:   20,
		RetryDelay:    5 * time.Millisecond,
	}
}

type Service struct {
	repo    ports.ReliabilityRepository
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(repo ports.ReliabilityRepository, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cfg: cfg, logger: logger.With("component", "reliability"), metrics: m}
}

// Clamp bounds a reliability score to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var errLostRace = errors.New("reliability version changed")

// Adjust adds delta to the supplier's score, clamped to [0,1].
func (s *Service) Adjust(ctx context.Context, supplierID string, delta float64) (domain.Adjustment, error) {
	if math.IsNaN(delta) {
		return domain.Adjustment{}, fmt.Errorf("adjust %s: delta is NaN", supplierID)
	}
	adj := domain.Adjustment{SupplierID: supplierID, Delta: delta}
	backoff := retry.WithMaxRetries(s.cfg.MaxAttempts, retry.WithJitter(s.cfg.RetryDelay, retry.NewConstant(s.cfg.RetryDelay)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, version, err := s.repo.Reliability(ctx, supplierID)
		if err != nil {
			return err
		}
		next := Clamp(current + delta)
		ok, err := s.repo.CompareAndSetReliability(ctx, supplierID, version, next)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLostRace)
		}
		adj.Previous, adj.New = current, next
		return nil
	})
	if errors.Is(err, errLostRace) {
		return domain.Adjustment{}, fmt.Errorf("adjust %s: %w", supplierID, ports.ErrConflict)
	}
	if err != nil {
		return domain.Adjustment{}, fmt.Errorf("adjust %s: %w", supplierID, err)
	}
	s.logger.Info("reliability adjusted",
		"supplier_id", supplierID,
		"previous", adj.Previous,
		"new", adj.New,
		"delta", delta)
	return adj, nil
}

// OutcomeDelta is the reward for a successful delivery or the delay-scaled
// penalty for a failed one.
func (s *Service) OutcomeDelta(outcome domain.Outcome, delayHours float64) float64 {
	if outcome == domain.OutcomeSuccess {
		return s.cfg.RewardFactor
	}
	factor := math.Min(math.Max(delayHours, 0)/24.0, 3.0)
	return -s.cfg.PenaltyFactor * (1 + factor)
}

// RecordOutcome applies the delivery-outcome delta to a supplier.
func (s *Service) RecordOutcome(ctx context.Context, supplierID string, outcome domain.Outcome, delayHours float64) (domain.Adjustment, error) {
	switch outcome {
	case domain.OutcomeSuccess, domain.OutcomeFailure:
	default:
		return domain.Adjustment{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	adj, err := s.Adjust(ctx, supplierID, s.OutcomeDelta(outcome, delayHours))
	if err == nil {
		s.metrics.Adjustment("outcome_" + string(outcome))
	}
	return adj, err
}

// RecordRejection penalises the proposed supplier of a human-rejected reroute.
func (s *Service) RecordRejection(ctx context.Context, proposedSupplierID string) (domain.Adjustment, error) {
	adj, err := s.Adjust(ctx, proposedSupplierID, -s.cfg.PenaltyFactor)
	if err == nil {
		s.metrics.Adjustment("hitl_rejection")
	}
	return adj, err
}

// Penalize applies an audit-driven penalty of the given magnitude.
func (s *Service) Penalize(ctx context.Context, supplierID string, penalty float64) (domain.Adjustment, error) {
	adj, err := s.Adjust(ctx, supplierID, -math.Abs(penalty))
	if err == nil {
		s.metrics.Adjustment("audit_penalty")
	}
	return adj, err
}
