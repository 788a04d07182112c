package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/retry"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

// Pinger force-restores a driver to the available pool after a ride. The
// write is retried because its failure mode is silent supply loss: a driver
// stuck with a stale current ride never gets another offer.
type Pinger struct {
	store  storage.Store
	policy retry.Policy
	logger *slog.Logger
}

func NewPinger(store storage.Store, policy retry.Policy, logger *slog.Logger) *Pinger {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pinger{store: store, policy: policy, logger: logger}
}

// Online writes status=online, current ride cleared, retrying per policy.
func (p *Pinger) Online(ctx context.Context, driverID string) error {
	attempt := 0
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if err := p.store.ReactivateDriver(ctx, driverID); err != nil {
			p.logger.Warn("driver reactivation attempt failed",
				"driver_id", driverID, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reactivate driver %s after %d attempts: %w", driverID, attempt, err)
	}
	return nil
}
