// Package journal records every terminal charge decision the keeper makes.
//
// The journal is an audit trail for operators. The state file stays the
// source of truth; a failing sink never blocks a cycle.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/keeper/internal/core/domain"
)

// Event names a charge decision.
type Event string

const (
	EventPrecheckFailed     Event = "precheck_failed"
	EventSimulationReverted Event = "simulation_reverted"
	EventSendFailed         Event = "send_failed"
	EventSent               Event = "sent"
	EventConfirmed          Event = "confirmed"
	EventReverted           Event = "reverted"
	EventTimedOut           Event = "timed_out"
	EventDropped            Event = "dropped"
)

// Entry is one journal record.
type Entry struct {
	ID             uuid.UUID             `json:"id"`
	CycleID        uuid.UUID             `json:"cycleId"`
	SubscriptionID domain.SubscriptionID `json:"subscriptionId"`
	Event          Event                 `json:"event"`
	Kind           domain.FailureKind    `json:"kind,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	TxHash         string                `json:"txHash,omitempty"`
	Attempt        uint32                `json:"attempt,omitempty"`
	NextRetryAt    *time.Time            `json:"nextRetryAt,omitempty"`
	DryRun         bool                  `json:"dryRun,omitempty"`
	At             time.Time             `json:"at"`
}

// Sink persists journal entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Multi fans entries out to several sinks.
type Multi []Sink

// Record writes e to every sink and joins their errors.
func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

// Stamp fills ID and At when unset.
func Stamp(e Entry, now time.Time) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
	return e
}
