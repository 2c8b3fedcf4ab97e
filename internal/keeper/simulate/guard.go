// Package simulate dry-runs collect through eth_call so a reverting charge
// never reaches the mempool.
package simulate

import (
	"context"
	"fmt"

	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/infra/ledger"
	"golang.org/x/sync/errgroup"
)

// Simulator executes collect(id) without broadcasting.
type Simulator interface {
	SimulateCollect(ctx context.Context, id domain.SubscriptionID) error
}

// Guard gates submissions on a clean simulation.
type Guard struct {
	sim         Simulator
	enabled     bool
	concurrency int
}

// New creates a guard. A disabled guard passes every candidate.
func New(sim Simulator, enabled bool, concurrency int) *Guard {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Guard{sim: sim, enabled: enabled, concurrency: concurrency}
}

// Enabled reports whether simulations are performed.
func (g *Guard) Enabled() bool { return g.enabled }

// Check simulates collect(id).
func (g *Guard) Check(ctx context.Context, id domain.SubscriptionID) domain.CheckResult {
	if !g.enabled {
		return domain.Pass()
	}
	err := g.sim.SimulateCollect(ctx, id)
	if err == nil {
		return domain.Pass()
	}
	if re, ok := ledger.AsRevert(err); ok {
		reason := re.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		return domain.Fail(domain.CheckSimulationReverted, reason)
	}
	return domain.Fail(domain.CheckRPCError, fmt.Sprintf("simulation call failed: %v", err))
}

// CheckAll simulates every id with bounded parallelism.
func (g *Guard) CheckAll(ctx context.Context, ids []domain.SubscriptionID) map[domain.SubscriptionID]domain.CheckResult {
	results := make([]domain.CheckResult, len(ids))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, id := range ids {
		eg.Go(func() error {
			results[i] = g.Check(gctx, id)
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[domain.SubscriptionID]domain.CheckResult, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}
