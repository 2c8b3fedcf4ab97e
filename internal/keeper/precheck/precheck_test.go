package precheck

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
)

// =============================================================================
// Mock Token Reader
// =============================================================================

type mockTokens struct {
	mu           sync.Mutex
	allowance    *big.Int
	balance      *big.Int
	allowanceErr error
	balanceErr   error

	spenders      []common.Address
	balanceCalled bool
}

func (m *mockTokens) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spenders = append(m.spenders, spender)
	if m.allowanceErr != nil {
		return nil, m.allowanceErr
	}
	return m.allowance, nil
}

func (m *mockTokens) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceCalled = true
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.balance, nil
}

var (
	ledgerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer      = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func due(id uint64, active bool, price int64) domain.DueSubscription {
	return domain.DueSubscription{
		ID:           domain.SubscriptionID(id),
		Subscription: domain.Subscription{Subscriber: payer, Status: domain.SubscriptionStatusActive},
		Plan:         domain.Plan{Active: active, Price: big.NewInt(price)},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		due    domain.DueSubscription
		tokens *mockTokens
		want   domain.CheckOutcome
	}{
		{"all good", due(1, true, 10), &mockTokens{allowance: big.NewInt(10), balance: big.NewInt(10)}, domain.CheckOK},
		{"plan inactive wins", due(1, false, 10), &mockTokens{allowance: big.NewInt(0), balance: big.NewInt(0)}, domain.CheckPlanInactive},
		{"allowance before balance", due(1, true, 10), &mockTokens{allowance: big.NewInt(9), balance: big.NewInt(0)}, domain.CheckInsufficientAllowance},
		{"balance short", due(1, true, 10), &mockTokens{allowance: big.NewInt(100), balance: big.NewInt(9)}, domain.CheckInsufficientBalance},
		{"allowance read fails", due(1, true, 10), &mockTokens{allowanceErr: errors.New("timeout")}, domain.CheckRPCError},
		{"balance read fails", due(1, true, 10), &mockTokens{allowance: big.NewInt(10), balanceErr: errors.New("timeout")}, domain.CheckRPCError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.tokens, ledgerAddr, 1).Check(context.Background(), tt.due)
			if got.Outcome != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, got.Outcome, got.Reason)
			}
			if !got.OK() && got.Reason == "" {
				t.Error("failing result must carry a reason")
			}
		})
	}
}

func TestCheck_PlanInactiveSkipsTokenReads(t *testing.T) {
	tokens := &mockTokens{}
	New(tokens, ledgerAddr, 1).Check(context.Background(), due(1, false, 10))
	if len(tokens.spenders) != 0 || tokens.balanceCalled {
		t.Error("inactive plan must not trigger token reads")
	}
}

func TestCheck_AllowanceAgainstLedger(t *testing.T) {
	tokens := &mockTokens{allowance: big.NewInt(10), balance: big.NewInt(10)}
	New(tokens, ledgerAddr, 1).Check(context.Background(), due(1, true, 10))
	if len(tokens.spenders) != 1 || tokens.spenders[0] != ledgerAddr {
		t.Errorf("expected allowance queried for the ledger, got %v", tokens.spenders)
	}
}

func TestCheckAll(t *testing.T) {
	tokens := &mockTokens{allowance: big.NewInt(10), balance: big.NewInt(10)}
	res := New(tokens, ledgerAddr, 4).CheckAll(context.Background(), []domain.DueSubscription{
		due(1, true, 10), due(2, false, 10), due(3, true, 11),
	})
	if !res[1].OK() {
		t.Errorf("expected 1 ok, got %s", res[1].Outcome)
	}
	if res[2].Outcome != domain.CheckPlanInactive {
		t.Errorf("expected 2 plan inactive, got %s", res[2].Outcome)
	}
	if res[3].Outcome != domain.CheckInsufficientAllowance {
		t.Errorf("expected 3 insufficient allowance, got %s", res[3].Outcome)
	}
}
