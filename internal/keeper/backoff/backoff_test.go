package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
)

func noJitter() Policy {
	p := DefaultPolicy()
	p.Jitter = 0
	return p
}

func TestPolicy_Delay(t *testing.T) {
	p := noJitter()

	tests := []struct {
		name    string
		kind    domain.FailureKind
		attempt uint32
		want    time.Duration
	}{
		{"allowance first", domain.FailureInsufficientAllowance, 1, 5 * time.Minute},
		{"allowance second", domain.FailureInsufficientAllowance, 2, 10 * time.Minute},
		{"allowance third", domain.FailureInsufficientAllowance, 3, 20 * time.Minute},
		{"plan inactive first", domain.FailurePlanInactive, 1, 30 * time.Minute},
		{"plan inactive second", domain.FailurePlanInactive, 2, time.Hour},
		{"rpc error fixed", domain.FailureRPCError, 1, 30 * time.Second},
		{"rpc error not doubled", domain.FailureRPCError, 5, 30 * time.Second},
		{"capped", domain.FailureSimulationRevert, 20, 6 * time.Hour},
		{"huge attempt saturates", domain.FailureMinedRevert, 1 << 30, 6 * time.Hour},
		{"zero attempt treated as first", domain.FailureUnknown, 0, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.kind, tt.attempt, 1); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPolicy_PlanInactiveLongerThanUserFixable(t *testing.T) {
	p := noJitter()
	if p.Delay(domain.FailurePlanInactive, 1, 1) <= p.Delay(domain.FailureInsufficientAllowance, 1, 1) {
		t.Error("plan inactive should back off longer than allowance")
	}
}

func TestPolicy_BaseClampedToMax(t *testing.T) {
	p := Policy{Base: time.Hour, PlanInactiveBase: 2 * time.Hour, RPCError: time.Minute, Max: 10 * time.Minute}
	if got := p.Delay(domain.FailurePlanInactive, 1, 0); got != 10*time.Minute {
		t.Errorf("expected clamp to 10m, got %v", got)
	}
}

func TestPolicy_JitterDeterministicAndBounded(t *testing.T) {
	p := DefaultPolicy()
	for id := domain.SubscriptionID(0); id < 100; id++ {
		a := p.Delay(domain.FailureInsufficientBalance, 1, id)
		b := p.Delay(domain.FailureInsufficientBalance, 1, id)
		if a != b {
			t.Fatalf("jitter not deterministic for %d: %v vs %v", id, a, b)
		}
		if a < p.Base || a >= p.Base+p.Jitter {
			t.Fatalf("jitter out of window for %d: %v", id, a)
		}
	}
	if p.Delay(domain.FailureInsufficientBalance, 1, 1) == p.Delay(domain.FailureInsufficientBalance, 1, 2) {
		t.Error("expected different subscriptions to get different offsets")
	}
}

func TestPolicy_MonotonicUpToCap(t *testing.T) {
	p := DefaultPolicy()
	kinds := []domain.FailureKind{
		domain.FailureInsufficientAllowance,
		domain.FailurePlanInactive,
		domain.FailureRPCError,
		domain.FailureSimulationRevert,
	}
	for _, kind := range kinds {
		prev := time.Duration(0)
		for n := uint32(1); n < 80; n++ {
			d := p.Delay(kind, n, 17)
			if d < prev {
				t.Fatalf("%s: delay decreased at attempt %d: %v < %v", kind, n, d, prev)
			}
			if d > p.Max {
				t.Fatalf("%s: delay %v exceeds cap", kind, d)
			}
			prev = d
		}
	}
}

// =============================================================================
// Store Tests
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(opts ...Option) (*Store, *fakeClock, *state.KeeperState) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(noJitter(), opts...), clock, state.New(1, common.Address{}, 1)
}

func TestStore_SameKindIncrementsAttempt(t *testing.T) {
	s, clock, st := newTestStore()

	first, err := s.NoteFailure(st, 1, domain.FailureInsufficientAllowance, "allowance 0 < price 10")
	if err != nil {
		t.Fatal(err)
	}
	if first.AttemptCount != 1 {
		t.Errorf("expected attempt 1, got %d", first.AttemptCount)
	}

	clock.Advance(6 * time.Minute)
	second, _ := s.NoteFailure(st, 1, domain.FailureInsufficientAllowance, "still 0")
	if second.AttemptCount != 2 {
		t.Errorf("expected attempt 2, got %d", second.AttemptCount)
	}
	if !second.NextRetryAt.After(first.NextRetryAt) {
		t.Errorf("expected nextRetryAt to move forward: %v -> %v", first.NextRetryAt, second.NextRetryAt)
	}
	if want := clock.Now().Add(10 * time.Minute); !second.NextRetryAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, second.NextRetryAt)
	}
}

func TestStore_KindChangeResetsAttempt(t *testing.T) {
	s, _, st := newTestStore()

	_, _ = s.NoteFailure(st, 1, domain.FailureInsufficientAllowance, "")
	_, _ = s.NoteFailure(st, 1, domain.FailureInsufficientAllowance, "")
	rec, _ := s.NoteFailure(st, 1, domain.FailureInsufficientBalance, "balance 3 < price 10")

	if rec.Kind != domain.FailureInsufficientBalance || rec.AttemptCount != 1 {
		t.Errorf("expected balance attempt 1, got %s attempt %d", rec.Kind, rec.AttemptCount)
	}
}

func TestStore_MonotonicWhenClockStepsBack(t *testing.T) {
	s, clock, st := newTestStore()

	first, _ := s.NoteFailure(st, 1, domain.FailureRPCError, "")
	clock.Advance(-time.Hour)
	second, _ := s.NoteFailure(st, 1, domain.FailureRPCError, "")

	if second.NextRetryAt.Before(first.NextRetryAt) {
		t.Errorf("nextRetryAt decreased: %v -> %v", first.NextRetryAt, second.NextRetryAt)
	}
}

func TestStore_ShouldSkip(t *testing.T) {
	s, clock, st := newTestStore()

	if skip, rec := s.ShouldSkip(st, 1); skip || rec != nil {
		t.Fatal("healthy subscription must not be skipped")
	}

	_, _ = s.NoteFailure(st, 1, domain.FailureInsufficientAllowance, "")
	if skip, _ := s.ShouldSkip(st, 1); !skip {
		t.Error("expected skip during cooldown")
	}

	clock.Advance(5 * time.Minute)
	if skip, rec := s.ShouldSkip(st, 1); skip || rec == nil {
		t.Error("expected eligible once nextRetryAt reached, with record returned")
	}
}

func TestStore_IgnoreBackoff(t *testing.T) {
	s, _, st := newTestStore(WithIgnoreBackoff(true))
	_, _ = s.NoteFailure(st, 1, domain.FailurePlanInactive, "")

	skip, rec := s.ShouldSkip(st, 1)
	if skip {
		t.Error("override should let the subscription through")
	}
	if rec == nil {
		t.Error("record should still be reported")
	}
}

func TestStore_SuccessDeletesRecord(t *testing.T) {
	s, _, st := newTestStore()
	_, _ = s.NoteFailure(st, 1, domain.FailureInsufficientBalance, "")

	s.NoteSuccess(st, 1)
	if _, ok := st.Retry(1); ok {
		t.Error("expected record deleted on success")
	}
}

func TestStore_RefusesWhileInFlight(t *testing.T) {
	s, _, st := newTestStore()
	_ = st.MarkInFlight(state.InFlightEntry{SubscriptionID: 1})

	if _, err := s.NoteFailure(st, 1, domain.FailureRPCError, ""); !errors.Is(err, state.ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
}
