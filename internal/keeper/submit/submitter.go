// Package submit broadcasts collect transactions and tracks them until their
// outcome is known.
//
// Every successful broadcast is recorded as an in-flight entry and persisted
// before any receipt wait begins, so a crash between send and confirmation
// never leads to a second transaction for the same subscription.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/ledger"
	"golang.org/x/time/rate"
)

// Broadcaster signs and sends collect(id).
type Broadcaster interface {
	SendCollect(ctx context.Context, id domain.SubscriptionID) (ledger.SentTx, error)
}

// ReceiptSource reads receipts and the chain head.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Chain is everything the submitter needs from the ledger client.
type Chain interface {
	Broadcaster
	ReceiptSource
}

// ErrNotPersisted wraps a failure to durably record a broadcast tx. The tx
// is on the wire but a restart would not know about it.
var ErrNotPersisted = errors.New("in-flight entry not persisted")

// PersistFunc durably stores st. It is called after each in-flight write.
type PersistFunc func(st *state.KeeperState) error

// Config controls submission limits and receipt waiting.
type Config struct {
	// MaxTxsPerCycle caps send attempts per cycle. Failed sends count.
	MaxTxsPerCycle int
	// MinInterval spaces consecutive sends.
	MinInterval time.Duration
	// TxTimeout bounds each receipt wait. Expiry keeps the tx in-flight.
	TxTimeout time.Duration
	// PendingTTL drops in-flight entries that never produced a receipt.
	PendingTTL time.Duration
	// Confirmations is the number of blocks, including the receipt block,
	// required before an outcome is final. Zero is treated as one.
	Confirmations uint64
	// ReceiptPoll is the polling period while waiting for a receipt.
	ReceiptPoll time.Duration
	// ForcePending skips the receipt wait and leaves every sent tx for
	// the next cycle's reconciliation.
	ForcePending bool
}

// DefaultConfig returns the keeper defaults.
func DefaultConfig() Config {
	return Config{
		MaxTxsPerCycle: 25,
		MinInterval:    250 * time.Millisecond,
		TxTimeout:      120 * time.Second,
		PendingTTL:     900 * time.Second,
		Confirmations:  2,
		ReceiptPoll:    2 * time.Second,
	}
}

// SendReport summarises one submission pass.
type SendReport struct {
	// Sent holds the in-flight entries created, in send order.
	Sent []state.InFlightEntry
	// Failed holds ids whose broadcast failed.
	Failed map[domain.SubscriptionID]error
	// Throttled holds ids not attempted because the cycle budget ran out,
	// shutdown was requested, or an in-flight entry could not be persisted.
	Throttled []domain.SubscriptionID
	// PersistErr is set when a sent tx could not be recorded durably. The
	// pass stops at that tx; it is still listed in Sent so its receipt is
	// awaited.
	PersistErr error
}

// Submitter sends collect transactions one at a time.
type Submitter struct {
	chain   Chain
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithClock overrides the time source used for submittedAt and TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

// New creates a submitter.
func New(chain Chain, cfg Config, opts ...Option) *Submitter {
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = DefaultConfig().ReceiptPoll
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	s := &Submitter{
		chain:   chain,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		log:     slog.Default().With("component", "submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Submitter) Config() Config { return s.cfg }

// Send broadcasts collect for ids in order. Each successful broadcast is
// marked in-flight in st and persisted immediately. Cancelling ctx stops
// further sends; a send already started runs to completion. A persist
// failure stops the pass so no further tx goes out unrecorded.
func (s *Submitter) Send(
	ctx context.Context,
	st *state.KeeperState,
	ids []domain.SubscriptionID,
	persist PersistFunc,
) SendReport {
	report := SendReport{Failed: make(map[domain.SubscriptionID]error)}
	budget := s.cfg.MaxTxsPerCycle
	if budget <= 0 {
		budget = math.MaxInt
	}

	for i, id := range ids {
		if budget == 0 {
			report.Throttled = append(report.Throttled, ids[i:]...)
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Info("Submission interrupted", "remaining", len(ids)-i, "error", err)
			report.Throttled = append(report.Throttled, ids[i:]...)
			break
		}
		budget--

		entry, err := s.sendOne(context.WithoutCancel(ctx), st, id, persist)
		if errors.Is(err, ErrNotPersisted) {
			report.Sent = append(report.Sent, entry)
			report.PersistErr = err
			report.Throttled = append(report.Throttled, ids[i+1:]...)
			s.log.Error("Stopping submissions until state can be persisted",
				"subscription_id", id, "tx", entry.TxHash, "remaining", len(ids)-i-1, "error", err)
			break
		}
		if err != nil {
			report.Failed[id] = err
			continue
		}
		report.Sent = append(report.Sent, entry)
	}
	return report
}

func (s *Submitter) sendOne(
	ctx context.Context,
	st *state.KeeperState,
	id domain.SubscriptionID,
	persist PersistFunc,
) (state.InFlightEntry, error) {
	if _, ok := st.InFlightFor(id); ok {
		return state.InFlightEntry{}, fmt.Errorf("subscription %s: %w", id, state.ErrInFlight)
	}

	tx, err := s.chain.SendCollect(ctx, id)
	if err != nil {
		s.log.Warn("Collect broadcast failed", "subscription_id", id, "error", err)
		return state.InFlightEntry{}, err
	}

	entry := state.InFlightEntry{
		SubscriptionID: id,
		TxHash:         tx.Hash,
		SubmittedAt:    s.now().UTC(),
		Nonce:          tx.Nonce,
	}
	s.log.Info("Collect sent", "subscription_id", id, "tx", tx.Hash, "nonce", tx.Nonce)
	if err := st.MarkInFlight(entry); err != nil {
		return entry, fmt.Errorf("%w: subscription %s tx %s: %w", ErrNotPersisted, id, tx.Hash.Hex(), err)
	}
	if persist != nil {
		if err := persist(st); err != nil {
			return entry, fmt.Errorf("%w: subscription %s tx %s: %w", ErrNotPersisted, id, tx.Hash.Hex(), err)
		}
	}
	return entry, nil
}

// SendFailureKind maps a broadcast error onto a backoff category. A revert
// during gas estimation is a simulation revert; anything else is an RPC
// failure.
func SendFailureKind(err error) (domain.FailureKind, string) {
	if re, ok := ledger.AsRevert(err); ok {
		reason := re.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		return domain.FailureSimulationRevert, reason
	}
	return domain.FailureRPCError, err.Error()
}
