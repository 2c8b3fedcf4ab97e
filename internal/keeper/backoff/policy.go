// Package backoff implements per-subscription retry state: which failure
// kinds back off for how long, and the Healthy/Backoff state machine kept in
// the keeper state.
package backoff

import (
	"time"

	"github.com/vietddude/keeper/internal/core/domain"
)

// Policy computes cooldown durations per failure kind.
type Policy struct {
	// Base is the first-attempt cooldown for user-fixable and unknown failures.
	Base time.Duration
	// PlanInactiveBase is the first-attempt cooldown for merchant-controlled failures.
	PlanInactiveBase time.Duration
	// RPCError is the fixed cooldown after a transient infrastructure error.
	RPCError time.Duration
	// Max caps every cooldown, jitter included.
	Max time.Duration
	// Jitter is the width of the per-subscription offset window.
	Jitter time.Duration
}

// DefaultPolicy returns the keeper's default cooldowns.
// 5m doubling for allowance/balance/simulation, 30m doubling for inactive
// plans, 30s fixed for RPC errors, capped at 6h with up to 30s jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:             5 * time.Minute,
		PlanInactiveBase: 30 * time.Minute,
		RPCError:         30 * time.Second,
		Max:              6 * time.Hour,
		Jitter:           30 * time.Second,
	}
}

func (p Policy) baseFor(kind domain.FailureKind) time.Duration {
	var base time.Duration
	switch kind {
	case domain.FailurePlanInactive:
		base = p.PlanInactiveBase
	case domain.FailureRPCError:
		base = p.RPCError
	default:
		base = p.Base
	}
	if base < time.Second {
		base = time.Second
	}
	if p.Max > 0 && base > p.Max {
		base = p.Max
	}
	return base
}

// Delay returns the cooldown for the attempt-th consecutive failure of kind
// (attempt starts at 1). The result is non-decreasing in attempt.
func (p Policy) Delay(kind domain.FailureKind, attempt uint32, id domain.SubscriptionID) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.baseFor(kind)

	delay := base
	if kind != domain.FailureRPCError {
		delay = doubled(base, attempt-1, p.Max)
	}
	delay += p.jitterFor(id)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// jitterFor is deterministic per subscription so a schedule is reproducible
// and subscriptions that failed together spread out.
func (p Policy) jitterFor(id domain.SubscriptionID) time.Duration {
	window := uint64(p.Jitter / time.Second)
	if window == 0 {
		return 0
	}
	return time.Duration(uint64(id)%window) * time.Second
}

// doubled returns base * 2^shift, saturating at limit (or max int64 when
// limit is 0).
func doubled(base time.Duration, shift uint32, limit time.Duration) time.Duration {
	ceiling := limit
	if ceiling <= 0 {
		ceiling = time.Duration(1<<63 - 1)
	}
	if shift >= 62 || base > ceiling>>shift {
		return ceiling
	}
	return base << shift
}
