package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/infra/journal"
)

// JournalRepo implements journal.Sink on the charge_attempts table.
type JournalRepo struct {
	db *DB
}

// NewJournalRepo creates a new PostgreSQL journal.
func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

type attemptRow struct {
	ID             uuid.UUID  `db:"id"`
	CycleID        uuid.UUID  `db:"cycle_id"`
	SubscriptionID string     `db:"subscription_id"`
	Event          string     `db:"event"`
	FailureKind    string     `db:"failure_kind"`
	Reason         string     `db:"reason"`
	TxHash         string     `db:"tx_hash"`
	Attempt        int64      `db:"attempt"`
	NextRetryAt    *time.Time `db:"next_retry_at"`
	DryRun         bool       `db:"dry_run"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Record inserts one entry.
func (r *JournalRepo) Record(ctx context.Context, e journal.Entry) error {
	query := `
		INSERT INTO charge_attempts (
			id, cycle_id, subscription_id, event, failure_kind, reason,
			tx_hash, attempt, next_retry_at, dry_run, created_at
		) VALUES (
			:id, :cycle_id, :subscription_id, :event, :failure_kind, :reason,
			:tx_hash, :attempt, :next_retry_at, :dry_run, :created_at
		)
		ON CONFLICT (id) DO NOTHING
	`
	row := attemptRow{
		ID:             e.ID,
		CycleID:        e.CycleID,
		SubscriptionID: e.SubscriptionID.String(),
		Event:          string(e.Event),
		FailureKind:    string(e.Kind),
		Reason:         e.Reason,
		TxHash:         e.TxHash,
		Attempt:        int64(e.Attempt),
		NextRetryAt:    e.NextRetryAt,
		DryRun:         e.DryRun,
		CreatedAt:      e.At,
	}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert charge attempt: %w", err)
	}
	return nil
}

// ListBySubscription returns the most recent entries for id, newest first.
func (r *JournalRepo) ListBySubscription(ctx context.Context, id domain.SubscriptionID, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, cycle_id, subscription_id::text AS subscription_id, event, failure_kind,
		       reason, tx_hash, attempt, next_retry_at, dry_run, created_at
		FROM charge_attempts
		WHERE subscription_id = $1::numeric
		ORDER BY created_at DESC
		LIMIT $2
	`
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, id.String(), limit); err != nil {
		return nil, fmt.Errorf("failed to list charge attempts: %w", err)
	}

	out := make([]journal.Entry, 0, len(rows))
	for _, row := range rows {
		sid, err := domain.ParseSubscriptionID(row.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("bad subscription id %q in journal: %w", row.SubscriptionID, err)
		}
		out = append(out, journal.Entry{
			ID:             row.ID,
			CycleID:        row.CycleID,
			SubscriptionID: sid,
			Event:          journal.Event(row.Event),
			Kind:           domain.FailureKind(row.FailureKind),
			Reason:         row.Reason,
			TxHash:         row.TxHash,
			Attempt:        uint32(row.Attempt),
			NextRetryAt:    row.NextRetryAt,
			DryRun:         row.DryRun,
			At:             row.CreatedAt,
		})
	}
	return out, nil
}

// Close is a no-op; the pool is owned by DB.
func (r *JournalRepo) Close() error { return nil }
