package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/ledger"
	"github.com/vietddude/keeper/internal/keeper/backoff"
	"golang.org/x/sync/errgroup"
)

// reconcileConcurrency bounds parallel receipt lookups during reconciliation.
const reconcileConcurrency = 8

// Status is the resolution of one in-flight entry.
type Status int

const (
	// StatusPending means the outcome is still unknown; the entry stays.
	StatusPending Status = iota
	// StatusConfirmed is a final successful receipt.
	StatusConfirmed
	// StatusReverted is a final receipt with a failed status.
	StatusReverted
	// StatusDropped is an entry discarded without an outcome, either past
	// its TTL or holding an unusable hash.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	case StatusDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Outcome is the result of waiting on or reconciling an in-flight entry.
type Outcome struct {
	Entry       state.InFlightEntry
	Status      Status
	BlockNumber uint64
	Reason      string
}

// Await waits for every entry's receipt concurrently. Each wait is bounded by
// TxTimeout and ends early when ctx is cancelled; both leave the entry
// pending. Results are returned in the order of entries.
func (s *Submitter) Await(ctx context.Context, entries []state.InFlightEntry) []Outcome {
	out := make([]Outcome, len(entries))
	if s.cfg.ForcePending {
		for i, e := range entries {
			out[i] = Outcome{Entry: e, Status: StatusPending, Reason: "receipt wait skipped"}
		}
		return out
	}

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			out[i] = s.waitOne(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Submitter) waitOne(ctx context.Context, entry state.InFlightEntry) Outcome {
	if s.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TxTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.cfg.ReceiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		o, done, err := s.check(ctx, entry)
		if done {
			return o
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			reason := "receipt wait timed out"
			if lastErr != nil {
				reason = fmt.Sprintf("%s: %v", reason, lastErr)
			}
			s.log.Warn("Collect still pending, tracking as in-flight",
				"subscription_id", entry.SubscriptionID, "tx", entry.TxHash, "timeout", s.cfg.TxTimeout)
			return Outcome{Entry: entry, Status: StatusPending, Reason: reason}
		case <-ticker.C:
		}
	}
}

// check performs one receipt lookup. done is true when the receipt is final.
func (s *Submitter) check(ctx context.Context, entry state.InFlightEntry) (Outcome, bool, error) {
	rcpt, err := s.chain.Receipt(ctx, entry.TxHash)
	if err != nil {
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, err
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return Outcome{}, false, err
	}
	if !s.final(rcpt.BlockNumber, head) {
		return Outcome{}, false, nil
	}
	return receiptOutcome(entry, rcpt), true, nil
}

func (s *Submitter) final(receiptBlock, head uint64) bool {
	if head < receiptBlock {
		return false
	}
	return head-receiptBlock+1 >= s.cfg.Confirmations
}

func receiptOutcome(entry state.InFlightEntry, rcpt *ledger.Receipt) Outcome {
	if rcpt.Success {
		return Outcome{Entry: entry, Status: StatusConfirmed, BlockNumber: rcpt.BlockNumber}
	}
	return Outcome{
		Entry:       entry,
		Status:      StatusReverted,
		BlockNumber: rcpt.BlockNumber,
		Reason:      "transaction mined but reverted",
	}
}

// Reconcile resolves every in-flight entry of st left by earlier cycles or a
// previous process. Lookups run in parallel; st is only read.
func (s *Submitter) Reconcile(ctx context.Context, st *state.KeeperState) []Outcome {
	ids := st.InFlightIDs()
	if len(ids) == 0 {
		return nil
	}

	now := s.now()
	out := make([]Outcome, len(ids))

	head, headErr := s.chain.BlockNumber(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for i, id := range ids {
		entry, _ := st.InFlightFor(id)
		g.Go(func() error {
			out[i] = s.reconcileOne(gctx, entry, now, head, headErr)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Submitter) reconcileOne(
	ctx context.Context,
	entry state.InFlightEntry,
	now time.Time,
	head uint64,
	headErr error,
) Outcome {
	if entry.TxHash == (common.Hash{}) {
		return Outcome{Entry: entry, Status: StatusDropped, Reason: "invalid tx hash in state"}
	}

	rcpt, err := s.chain.Receipt(ctx, entry.TxHash)
	switch {
	case err == nil:
		if headErr != nil {
			return Outcome{Entry: entry, Status: StatusPending, Reason: fmt.Sprintf("head unavailable: %v", headErr)}
		}
		if !s.final(rcpt.BlockNumber, head) {
			return Outcome{Entry: entry, Status: StatusPending, BlockNumber: rcpt.BlockNumber, Reason: "awaiting confirmations"}
		}
		return receiptOutcome(entry, rcpt)

	case errors.Is(err, ledger.ErrReceiptNotFound):
		age := now.Sub(entry.SubmittedAt)
		if s.cfg.PendingTTL > 0 && age > s.cfg.PendingTTL {
			return Outcome{
				Entry:  entry,
				Status: StatusDropped,
				Reason: fmt.Sprintf("no receipt after %s", age.Truncate(time.Second)),
			}
		}
		return Outcome{Entry: entry, Status: StatusPending, Reason: "no receipt yet"}

	default:
		s.log.Warn("Failed to fetch receipt for in-flight tx, keeping",
			"subscription_id", entry.SubscriptionID, "tx", entry.TxHash, "error", err)
		return Outcome{Entry: entry, Status: StatusPending, Reason: err.Error()}
	}
}

// Apply folds an outcome into st. A confirmed charge clears the retry
// record, a mined revert records FailureMinedRevert, a dropped entry just
// becomes eligible again. The new retry record, if any, is returned.
func Apply(st *state.KeeperState, bo *backoff.Store, o Outcome) (*state.RetryRecord, error) {
	id := o.Entry.SubscriptionID
	switch o.Status {
	case StatusConfirmed:
		st.ClearInFlight(id)
		bo.NoteSuccess(st, id)
		return nil, nil
	case StatusReverted:
		st.ClearInFlight(id)
		rec, err := bo.NoteFailure(st, id, domain.FailureMinedRevert, o.Reason)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	case StatusDropped:
		st.ClearInFlight(id)
		return nil, nil
	default:
		return nil, nil
	}
}
