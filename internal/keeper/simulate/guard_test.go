package simulate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

type mockSimulator struct {
	mu    sync.Mutex
	errs  map[domain.SubscriptionID]error
	calls int
}

func (m *mockSimulator) SimulateCollect(ctx context.Context, id domain.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.errs[id]
}

func TestGuard_Check(t *testing.T) {
	sim := &mockSimulator{errs: map[domain.SubscriptionID]error{
		2: &ledger.RevertError{Reason: "NotDue()"},
		3: errors.New("dial tcp: connection refused"),
		4: errors.New("execution reverted"),
	}}
	g := New(sim, true, 2)

	tests := []struct {
		id         domain.SubscriptionID
		want       domain.CheckOutcome
		wantReason string
	}{
		{1, domain.CheckOK, ""},
		{2, domain.CheckSimulationReverted, "NotDue()"},
		{3, domain.CheckRPCError, ""},
		{4, domain.CheckSimulationReverted, "execution reverted"},
	}
	for _, tt := range tests {
		t.Run(tt.id.String(), func(t *testing.T) {
			got := g.Check(context.Background(), tt.id)
			if got.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Outcome)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, got.Reason)
			}
		})
	}
}

func TestGuard_DisabledPassesWithoutCalls(t *testing.T) {
	sim := &mockSimulator{errs: map[domain.SubscriptionID]error{1: &ledger.RevertError{Reason: "x"}}}
	g := New(sim, false, 1)

	res := g.CheckAll(context.Background(), []domain.SubscriptionID{1, 2})
	if !res[1].OK() || !res[2].OK() {
		t.Error("disabled guard must pass everything")
	}
	if sim.calls != 0 {
		t.Errorf("expected no simulations, got %d", sim.calls)
	}
}

func TestGuard_CheckAll(t *testing.T) {
	sim := &mockSimulator{errs: map[domain.SubscriptionID]error{5: &ledger.RevertError{Reason: "PlanInactive()"}}}
	res := New(sim, true, 3).CheckAll(context.Background(), []domain.SubscriptionID{4, 5, 6})

	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[5].Outcome != domain.CheckSimulationReverted || res[5].FailureKind() != domain.FailureSimulationRevert {
		t.Errorf("expected 5 reverted, got %+v", res[5])
	}
	if !res[4].OK() || !res[6].OK() {
		t.Error("expected 4 and 6 to pass")
	}
}
