// Package precheck rejects charges that would predictably revert before any
// transaction is built.
package precheck

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
	"golang.org/x/sync/errgroup"
)

// TokenReader is the ERC-20 read side used by the engine.
type TokenReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Engine evaluates the payer side of a due subscription.
type Engine struct {
	tokens      TokenReader
	spender     common.Address
	concurrency int
}

// New creates an engine that checks allowances granted to spender, the
// ledger contract.
func New(tokens TokenReader, spender common.Address, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{tokens: tokens, spender: spender, concurrency: concurrency}
}

// Check runs plan active, allowance and balance in that order. The first
// failing condition decides the result.
func (e *Engine) Check(ctx context.Context, due domain.DueSubscription) domain.CheckResult {
	plan := due.Plan
	payer := due.Subscription.Subscriber

	if !plan.Active {
		return domain.Fail(domain.CheckPlanInactive, "plan is inactive")
	}

	price := plan.Price
	if price == nil {
		price = new(big.Int)
	}

	allowance, err := e.tokens.Allowance(ctx, plan.Token, payer, e.spender)
	if err != nil {
		return domain.Fail(domain.CheckRPCError, fmt.Sprintf("allowance read failed: %v", err))
	}
	if allowance.Cmp(price) < 0 {
		return domain.Fail(domain.CheckInsufficientAllowance,
			fmt.Sprintf("allowance %s < price %s", allowance, price))
	}

	balance, err := e.tokens.BalanceOf(ctx, plan.Token, payer)
	if err != nil {
		return domain.Fail(domain.CheckRPCError, fmt.Sprintf("balance read failed: %v", err))
	}
	if balance.Cmp(price) < 0 {
		return domain.Fail(domain.CheckInsufficientBalance,
			fmt.Sprintf("balance %s < price %s", balance, price))
	}

	return domain.Pass()
}

// CheckAll runs Check for every candidate with bounded parallelism.
func (e *Engine) CheckAll(ctx context.Context, due []domain.DueSubscription) map[domain.SubscriptionID]domain.CheckResult {
	results := make([]domain.CheckResult, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, d := range due {
		g.Go(func() error {
			results[i] = e.Check(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[domain.SubscriptionID]domain.CheckResult, len(due))
	for i, d := range due {
		out[d.ID] = results[i]
	}
	return out
}
