package pipelinerunner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

// Run ticks every interval and starts a pipeline run. A tick is skipped while
// the previous scheduled run is still going; manual runs through RunInline are
// not serialised against it. Run blocks until ctx ends and every scheduled run
// it started has returned.
func Run(ctx context.Context, runner ports.PipelineRunner, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	var (
		busy atomic.Bool
		wg   sync.WaitGroup
	)
	defer wg.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				logger.Info("previous scheduled run still active, skipping tick")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer busy.Store(false)
				if _, err := RunInline(ctx, runner, logger); err != nil && ctx.Err() == nil {
					logger.Error("scheduled pipeline run failed", "err", err)
				}
			}()
		}
	}
}

// RunInline executes one run synchronously with the same logging the
// scheduler uses. Used by the manual trigger and the run-once command.
func RunInline(ctx context.Context, runner ports.PipelineRunner, logger *slog.Logger) (domain.PipelineResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	res, err := runner.Run(ctx)
	if err != nil {
		return res, err
	}
	logger.Info("pipeline run finished",
		"run_id", res.RunID,
		"correlations", res.CorrelationsFound,
		"proposals", res.ProposalsGenerated,
		"actions", len(res.Actions),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}
