package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/observability"
)

// SweepJob periodically re-evaluates stuck requests: offered ones whose
// window lapsed go back to pending, then a bounded batch of pending ones gets
// a dispatch pass. Batches stay small so each pass is cheap and retryable,
// and every mutation goes through the store's atomic operations, so the job
// is safe to run concurrently with itself or with another instance.
type SweepJob struct {
	engine    *Engine
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewSweepJob(engine *Engine, interval time.Duration, batchSize int, logger *slog.Logger) *SweepJob {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{engine: engine, interval: interval, batchSize: batchSize, logger: logger}
}

// SweepStats summarizes one pass; the HTTP trigger returns it verbatim.
type SweepStats struct {
	Expired          int `json:"expired"`
	Processed        int `json:"processed"`
	Offered          int `json:"offered"`
	ZeroDriverPasses int `json:"zero_driver_passes"`
	DriversAvailable int `json:"drivers_available"`
}

// Run blocks, sweeping every interval until ctx is done.
func (j *SweepJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("sweep pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single sweep pass.
func (j *SweepJob) RunOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats

	expired, err := j.engine.SweepExpiredOffers(ctx, j.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Expired = expired

	pending, err := j.engine.store.DispatchableRequests(ctx, j.batchSize)
	if err != nil {
		return stats, err
	}
	for _, req := range pending {
		res, err := j.engine.ProcessRequest(ctx, req.ID)
		if err != nil {
			if errors.Is(err, ErrNotDispatchable) {
				continue // raced with an accept or cancel; fine
			}
			j.logger.Warn("dispatch pass failed", "request_id", req.ID, "error", err)
			continue
		}
		stats.Processed++
		stats.DriversAvailable = res.DriversAvailable
		if res.Offered {
			stats.Offered++
		} else if res.DriversAvailable == 0 {
			stats.ZeroDriverPasses++
		}
	}

	observability.SweepDuration.Observe(time.Since(start).Seconds())
	if stats.Expired > 0 || stats.Processed > 0 {
		j.logger.Info("sweep pass",
			"expired", stats.Expired,
			"processed", stats.Processed,
			"offered", stats.Offered,
			"drivers_available", stats.DriversAvailable,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return stats, nil
}
