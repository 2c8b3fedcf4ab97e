// Package resolver reads the ledger to find which known subscriptions are
// currently due.
package resolver

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/vietddude/keeper/internal/core/domain"
	"golang.org/x/sync/errgroup"
)

// Reader is the read side of the ledger used here.
type Reader interface {
	IsDue(ctx context.Context, id domain.SubscriptionID) (bool, error)
	Subscription(ctx context.Context, id domain.SubscriptionID) (domain.Subscription, error)
	Plan(ctx context.Context, planID *big.Int) (domain.Plan, error)
}

// Result is the outcome of one resolution pass.
type Result struct {
	Checked int
	// Due holds chargeable subscriptions in ascending id order.
	Due []domain.DueSubscription
	// NotActive holds due ids whose subscription status is no longer Active.
	NotActive []domain.SubscriptionID
	// Skipped holds ids whose reads failed this pass.
	Skipped map[domain.SubscriptionID]error
}

// Resolver queries due status with bounded parallelism.
type Resolver struct {
	reader      Reader
	concurrency int
	log         *slog.Logger
}

// New creates a resolver running at most concurrency reads at once.
func New(reader Reader, concurrency int) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{reader: reader, concurrency: concurrency, log: slog.Default().With("component", "resolver")}
}

type planResult struct {
	once sync.Once
	plan domain.Plan
	err  error
}

// Resolve checks ids. A failed read skips that subscription for this pass
// and never aborts the others.
func (r *Resolver) Resolve(ctx context.Context, ids []domain.SubscriptionID) Result {
	res := Result{Checked: len(ids), Skipped: make(map[domain.SubscriptionID]error)}

	var (
		mu    sync.Mutex
		plans sync.Map // plan id string -> *planResult
	)

	planFor := func(ctx context.Context, id *big.Int) (domain.Plan, error) {
		v, _ := plans.LoadOrStore(id.String(), &planResult{})
		pr := v.(*planResult)
		pr.once.Do(func() {
			pr.plan, pr.err = r.reader.Plan(ctx, id)
		})
		return pr.plan, pr.err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			due, err := r.reader.IsDue(gctx, id)
			if err != nil {
				r.log.Warn("isDue call failed", "subscription_id", id, "error", err)
				mu.Lock()
				res.Skipped[id] = err
				mu.Unlock()
				return nil
			}
			if !due {
				return nil
			}

			sub, err := r.reader.Subscription(gctx, id)
			if err != nil {
				r.log.Warn("subscriptions() call failed", "subscription_id", id, "error", err)
				mu.Lock()
				res.Skipped[id] = err
				mu.Unlock()
				return nil
			}
			if !sub.Active() {
				r.log.Info("Subscription no longer active, skipping", "subscription_id", id, "status", sub.Status)
				mu.Lock()
				res.NotActive = append(res.NotActive, id)
				mu.Unlock()
				return nil
			}

			plan, err := planFor(gctx, sub.PlanID)
			if err != nil {
				r.log.Warn("plans() call failed", "subscription_id", id, "plan_id", sub.PlanID, "error", err)
				mu.Lock()
				res.Skipped[id] = err
				mu.Unlock()
				return nil
			}

			mu.Lock()
			res.Due = append(res.Due, domain.DueSubscription{ID: id, Subscription: sub, Plan: plan})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Due, func(i, j int) bool { return res.Due[i].ID < res.Due[j].ID })
	sort.Slice(res.NotActive, func(i, j int) bool { return res.NotActive[i] < res.NotActive[j] })
	return res
}
