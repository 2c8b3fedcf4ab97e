package backoff

import (
	"time"

	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
)

// Store applies the retry state machine to a KeeperState:
//
//	Healthy -> Backoff(kind, 1)          first failure
//	Backoff(kind, n) -> Backoff(kind, n+1) repeat of the same kind
//	Backoff(kind, n) -> Backoff(kind', 1)  different kind
//	Backoff(...) -> Healthy              success, record deleted
type Store struct {
	policy        Policy
	ignoreBackoff bool
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIgnoreBackoff disables the cooldown check. Debug only.
func WithIgnoreBackoff(ignore bool) Option {
	return func(s *Store) { s.ignoreBackoff = ignore }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a backoff store.
func NewStore(policy Policy, opts ...Option) *Store {
	s := &Store{policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured policy.
func (s *Store) Policy() Policy { return s.policy }

// IgnoringBackoff reports whether the debug override is on.
func (s *Store) IgnoringBackoff() bool { return s.ignoreBackoff }

// ShouldSkip reports whether id is still cooling down. The record is
// returned when one exists, even if the override lets it through.
func (s *Store) ShouldSkip(st *state.KeeperState, id domain.SubscriptionID) (bool, *state.RetryRecord) {
	rec, ok := st.Retry(id)
	if !ok {
		return false, nil
	}
	cooling := s.now().Before(rec.NextRetryAt)
	if s.ignoreBackoff {
		return false, &rec
	}
	return cooling, &rec
}

// NoteFailure records a failed attempt for id and returns the new record.
// It fails with state.ErrInFlight when id has a live transaction.
func (s *Store) NoteFailure(
	st *state.KeeperState,
	id domain.SubscriptionID,
	kind domain.FailureKind,
	reason string,
) (state.RetryRecord, error) {
	now := s.now().UTC()

	attempt := uint32(1)
	prev, hadPrev := st.Retry(id)
	if hadPrev && prev.Kind == kind {
		attempt = prev.AttemptCount + 1
		if attempt < prev.AttemptCount {
			attempt = prev.AttemptCount
		}
	}

	next := now.Add(s.policy.Delay(kind, attempt, id))
	if hadPrev && prev.Kind == kind && next.Before(prev.NextRetryAt) {
		// Keeps the schedule monotonic if the clock stepped backwards.
		next = prev.NextRetryAt
	}

	rec := state.RetryRecord{
		SubscriptionID:   id,
		Kind:             kind,
		AttemptCount:     attempt,
		LastFailureAt:    now,
		NextRetryAt:      next,
		LastErrorMessage: reason,
	}
	if err := st.PutRetry(rec); err != nil {
		return state.RetryRecord{}, err
	}
	rec, _ = st.Retry(id)
	return rec, nil
}

// NoteSuccess returns id to Healthy by deleting its record.
func (s *Store) NoteSuccess(st *state.KeeperState, id domain.SubscriptionID) {
	st.DeleteRetry(id)
}
