package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/keeper/internal/core/cursor"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/journal"
	"github.com/vietddude/keeper/internal/keeper/resolver"
	"github.com/vietddude/keeper/internal/keeper/submit"
	"github.com/vietddude/keeper/internal/metrics"
)

// mirrorTimeout bounds the best-effort mirror sync at the end of a cycle.
const mirrorTimeout = 5 * time.Second

type cycle struct {
	k    *Keeper
	id   uuid.UUID
	work *state.KeeperState
	log  *slog.Logger
	sum  Summary
}

// RunOnce executes a single cycle: scan, resolve, reconcile, select and
// execute, then persist. A scan failure does not stop the cycle. The
// returned error is non-nil only when the state could not be persisted.
func (k *Keeper) RunOnce(ctx context.Context) (Summary, error) {
	c := &cycle{k: k, id: uuid.New()}
	c.log = k.log.With("cycle", c.id)
	c.sum = Summary{CycleID: c.id, StartedAt: k.now(), DryRun: k.cfg.DryRun}

	c.work = k.state
	if k.cfg.DryRun {
		c.work = k.state.Clone()
	}
	if k.backoff.IgnoringBackoff() {
		c.log.Warn("Backoff override active for this cycle")
	}

	k.transition(PhaseScanning)
	c.scan(ctx)

	k.transition(PhaseResolving)
	resolved := c.resolve(ctx)
	if c.interrupted(ctx, PhaseReconciling) {
		return c.sum, c.finish(ctx)
	}

	k.transition(PhaseReconciling)
	confirmed := c.reconcile(ctx)
	if c.interrupted(ctx, PhaseSelecting) {
		return c.sum, c.finish(ctx)
	}

	k.transition(PhaseSelecting)
	ready := c.selectReady(ctx, resolved, confirmed)
	if c.interrupted(ctx, PhaseExecuting) {
		return c.sum, c.finish(ctx)
	}

	k.transition(PhaseExecuting)
	c.execute(ctx, ready)

	err := c.finish(ctx)
	return c.sum, err
}

// =============================================================================
// Phases
// =============================================================================

func (c *cycle) scan(ctx context.Context) {
	latest, err := c.k.deps.Ledger.BlockNumber(ctx)
	if err != nil {
		c.sum.ScanError = fmt.Sprintf("failed to get latest block: %v", err)
		c.log.Warn("Scan skipped, continuing with known subscriptions", "error", err)
		return
	}
	c.sum.LatestBlock = latest
	metrics.ChainLatestBlock.Set(float64(latest))

	cur := cursor.NewManager(c.work, c.k.cfg.StartBlock)
	res, err := c.k.scanner.Scan(ctx, cur, c.work, latest)
	c.sum.Stats.Discovered = res.Discovered
	if err != nil {
		c.sum.ScanError = err.Error()
		c.log.Warn("Scan incomplete, continuing with known subscriptions",
			"cursor", cur.Current(), "error", err)
	}
	if res.Discovered > 0 {
		c.log.Info("Discovered subscriptions", "count", res.Discovered, "from", res.From, "to", res.To)
	}
	lag := cur.Lag(latest, c.k.cfg.Scanner.Confirmations)
	metrics.ScanLag.Set(float64(lag))
	if res.Chunks > 0 {
		c.log.Debug("Scan progress",
			"cursor", cur.Current(),
			"lag", lag,
			"blocks_per_second", cur.GetMetrics().BlocksPerSecond,
		)
	}

	if !c.k.cfg.DryRun && res.Chunks > 0 {
		c.persist()
	}
}

func (c *cycle) resolve(ctx context.Context) resolver.Result {
	all := c.work.SubscriptionIDs()
	c.sum.Stats.Known = len(all)

	candidates := make([]domain.SubscriptionID, 0, len(all))
	for _, id := range all {
		if _, ok := c.work.InFlightFor(id); ok {
			continue
		}
		candidates = append(candidates, id)
	}

	res := c.k.resolver.Resolve(ctx, candidates)
	c.sum.Stats.Checked = res.Checked
	c.sum.Stats.Due = len(res.Due)

	for _, id := range sortedKeys(res.Skipped) {
		c.sum.Stats.ReadErrors++
		// A read error must not shorten an existing, longer cooldown.
		if skip, _ := c.k.backoff.ShouldSkip(c.work, id); skip {
			continue
		}
		c.noteFailure(ctx, id, domain.FailureRPCError, res.Skipped[id].Error(), journal.EventPrecheckFailed)
	}
	return res
}

func (c *cycle) reconcile(ctx context.Context) map[domain.SubscriptionID]bool {
	confirmed := make(map[domain.SubscriptionID]bool)

	for _, o := range c.k.submitter.Reconcile(ctx, c.work) {
		id := o.Entry.SubscriptionID
		rec, err := submit.Apply(c.work, c.k.backoff, o)
		if err != nil {
			c.log.Warn("Failed to apply in-flight outcome", "subscription_id", id, "error", err)
			continue
		}

		switch o.Status {
		case submit.StatusConfirmed:
			confirmed[id] = true
			c.sum.Stats.Reconciled++
			c.log.Info("In-flight collect confirmed", "subscription_id", id, "tx", o.Entry.TxHash, "block", o.BlockNumber)
			c.record(ctx, journal.Entry{SubscriptionID: id, Event: journal.EventConfirmed, TxHash: o.Entry.TxHash.Hex()})
			metrics.ChargeAttemptsTotal.WithLabelValues("confirmed").Inc()
		case submit.StatusReverted:
			c.sum.Stats.Reconciled++
			c.onFailureRecorded(ctx, id, rec, journal.EventReverted, o.Entry.TxHash.Hex())
			metrics.ChargeAttemptsTotal.WithLabelValues("reverted").Inc()
		case submit.StatusDropped:
			c.sum.Stats.Dropped++
			c.log.Warn("In-flight tx dropped", "subscription_id", id, "tx", o.Entry.TxHash, "reason", o.Reason)
			c.record(ctx, journal.Entry{SubscriptionID: id, Event: journal.EventDropped, TxHash: o.Entry.TxHash.Hex(), Reason: o.Reason})
			metrics.ChargeAttemptsTotal.WithLabelValues("dropped").Inc()
		default:
			c.log.Debug("In-flight tx still pending", "subscription_id", id, "tx", o.Entry.TxHash, "reason", o.Reason)
		}
	}
	return confirmed
}

func (c *cycle) selectReady(
	ctx context.Context,
	res resolver.Result,
	confirmed map[domain.SubscriptionID]bool,
) []domain.SubscriptionID {
	var candidates []domain.DueSubscription
	for _, d := range res.Due {
		if confirmed[d.ID] {
			continue
		}
		if _, ok := c.work.InFlightFor(d.ID); ok {
			continue
		}
		skip, rec := c.k.backoff.ShouldSkip(c.work, d.ID)
		if skip {
			c.sum.Stats.BackedOff++
			c.log.Debug("Backing off", "subscription_id", d.ID, "kind", rec.Kind, "next_retry_at", rec.NextRetryAt)
			continue
		}
		if rec != nil && c.k.backoff.IgnoringBackoff() && c.k.now().Before(rec.NextRetryAt) {
			c.log.Warn("Retrying despite backoff", "subscription_id", d.ID, "kind", rec.Kind)
		}
		candidates = append(candidates, d)
	}

	checks := c.k.precheck.CheckAll(ctx, candidates)
	passed := make([]domain.SubscriptionID, 0, len(candidates))
	for _, d := range candidates {
		result := checks[d.ID]
		if result.OK() {
			passed = append(passed, d.ID)
			continue
		}
		c.countCheckFailure(result)
		c.noteFailure(ctx, d.ID, result.FailureKind(), result.Reason, journal.EventPrecheckFailed)
	}

	sims := c.k.guard.CheckAll(ctx, passed)
	ready := make([]domain.SubscriptionID, 0, len(passed))
	for _, id := range passed {
		result := sims[id]
		if result.OK() {
			ready = append(ready, id)
			continue
		}
		c.countCheckFailure(result)
		event := journal.EventSimulationReverted
		if result.Outcome == domain.CheckRPCError {
			event = journal.EventPrecheckFailed
		}
		c.noteFailure(ctx, id, result.FailureKind(), result.Reason, event)
	}
	return ready
}

func (c *cycle) execute(ctx context.Context, ready []domain.SubscriptionID) {
	if len(ready) == 0 {
		return
	}

	if c.k.cfg.DryRun {
		limit := c.k.cfg.Submit.MaxTxsPerCycle
		for i, id := range ready {
			if limit > 0 && i >= limit {
				c.sum.Stats.Throttled++
				continue
			}
			c.log.Info("DRY RUN: would call collect()", "subscription_id", id)
		}
		return
	}

	report := c.k.submitter.Send(ctx, c.work, ready, func(*state.KeeperState) error {
		return c.persist()
	})

	c.sum.Stats.Sent = len(report.Sent)
	c.sum.Stats.Throttled = len(report.Throttled)
	if report.PersistErr != nil {
		c.log.Error("Submissions halted, in-flight state not persisted", "error", report.PersistErr)
	}
	if len(report.Throttled) > 0 {
		c.log.Warn("Tx budget exhausted, deferring to next cycle", "throttled", len(report.Throttled))
	}
	for _, e := range report.Sent {
		c.record(ctx, journal.Entry{SubscriptionID: e.SubscriptionID, Event: journal.EventSent, TxHash: e.TxHash.Hex()})
		metrics.ChargeAttemptsTotal.WithLabelValues("sent").Inc()
	}
	for _, id := range sortedKeys(report.Failed) {
		err := report.Failed[id]
		c.sum.Stats.Failed++
		metrics.ChargeAttemptsTotal.WithLabelValues("send_failed").Inc()
		if errors.Is(err, state.ErrInFlight) {
			continue
		}
		kind, reason := submit.SendFailureKind(err)
		c.noteFailure(ctx, id, kind, reason, journal.EventSendFailed)
	}

	for _, o := range c.k.submitter.Await(ctx, report.Sent) {
		id := o.Entry.SubscriptionID
		rec, err := submit.Apply(c.work, c.k.backoff, o)
		if err != nil {
			c.log.Warn("Failed to apply receipt", "subscription_id", id, "error", err)
			continue
		}
		switch o.Status {
		case submit.StatusConfirmed:
			c.sum.Stats.Succeeded++
			c.log.Info("Collect confirmed", "subscription_id", id, "tx", o.Entry.TxHash, "block", o.BlockNumber)
			c.record(ctx, journal.Entry{SubscriptionID: id, Event: journal.EventConfirmed, TxHash: o.Entry.TxHash.Hex()})
			metrics.ChargeAttemptsTotal.WithLabelValues("confirmed").Inc()
		case submit.StatusReverted:
			c.sum.Stats.Failed++
			c.onFailureRecorded(ctx, id, rec, journal.EventReverted, o.Entry.TxHash.Hex())
			metrics.ChargeAttemptsTotal.WithLabelValues("reverted").Inc()
		default:
			c.sum.Stats.Pending++
			c.record(ctx, journal.Entry{SubscriptionID: id, Event: journal.EventTimedOut, TxHash: o.Entry.TxHash.Hex(), Reason: o.Reason})
			metrics.ChargeAttemptsTotal.WithLabelValues("pending").Inc()
		}
	}
}

func (c *cycle) finish(ctx context.Context) error {
	k := c.k
	target := c.work
	if k.cfg.DryRun {
		// Only discovery survives a dry run.
		k.state.LastScannedBlock = c.work.LastScannedBlock
		for _, sub := range c.work.Subscriptions {
			k.state.AddSubscription(sub)
		}
		target = k.state
	}

	var persistErr error
	target.UpdatedAt = k.now().UTC()
	if err := k.deps.Persister.Save(target); err != nil {
		persistErr = fmt.Errorf("failed to persist state: %w", err)
		c.sum.PersistError = err.Error()
	}

	if k.deps.Mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		if err := k.deps.Mirror.Sync(mctx, target); err != nil {
			c.log.Warn("Failed to sync state mirror", "error", err)
		}
		cancel()
	}

	c.sum.FinishedAt = k.now()
	c.sum.LastScannedBlock = target.LastScannedBlock
	c.sum.RetryRecords = len(target.Retries)
	c.sum.InFlight = len(target.InFlight)

	metrics.KnownSubscriptions.Set(float64(len(target.Subscriptions)))
	metrics.RetryRecords.Set(float64(c.sum.RetryRecords))
	metrics.InFlightTxs.Set(float64(c.sum.InFlight))
	metrics.ScannedBlock.Set(float64(target.LastScannedBlock))
	metrics.CycleDuration.Observe(c.sum.Duration().Seconds())
	switch {
	case persistErr != nil:
		metrics.CyclesTotal.WithLabelValues("persist_error").Inc()
	case c.sum.ScanError != "":
		metrics.CyclesTotal.WithLabelValues("scan_error").Inc()
	default:
		metrics.CyclesTotal.WithLabelValues("ok").Inc()
	}

	s := c.sum.Stats
	c.log.Info("Cycle complete",
		"duration", c.sum.Duration().Round(time.Millisecond),
		"known", s.Known,
		"checked", s.Checked,
		"due", s.Due,
		"backed_off", s.BackedOff,
		"sent", s.Sent,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"precheck_failed", s.PrecheckFailed,
		"throttled", s.Throttled,
		"pending", s.Pending,
		"read_errors", s.ReadErrors,
		"retry_records", c.sum.RetryRecords,
		"in_flight", c.sum.InFlight,
		"dry_run", c.sum.DryRun,
	)

	sum := c.sum
	k.last.Store(&sum)
	return persistErr
}

// =============================================================================
// Helpers
// =============================================================================

func (c *cycle) persist() error {
	c.work.UpdatedAt = c.k.now().UTC()
	if err := c.k.deps.Persister.Save(c.work); err != nil {
		c.log.Error("Failed to persist state", "error", err)
		return err
	}
	return nil
}

// interrupted reports whether shutdown was requested. The remaining phases
// are skipped and the cycle goes straight to persisting.
func (c *cycle) interrupted(ctx context.Context, next Phase) bool {
	if ctx.Err() == nil {
		return false
	}
	c.log.Info("Shutdown requested, skipping remaining phases", "next", next)
	return true
}

func (c *cycle) countCheckFailure(r domain.CheckResult) {
	if r.Outcome == domain.CheckRPCError {
		c.sum.Stats.ReadErrors++
		return
	}
	c.sum.Stats.PrecheckFailed++
	metrics.ChargeAttemptsTotal.WithLabelValues(r.Outcome.String()).Inc()
}

func (c *cycle) noteFailure(
	ctx context.Context,
	id domain.SubscriptionID,
	kind domain.FailureKind,
	reason string,
	event journal.Event,
) {
	// Reads cut short by shutdown say nothing about the subscription.
	if kind == domain.FailureRPCError && ctx.Err() != nil {
		c.log.Debug("Not recording read failure after shutdown", "subscription_id", id, "reason", reason)
		return
	}
	rec, err := c.k.backoff.NoteFailure(c.work, id, kind, reason)
	if err != nil {
		c.log.Warn("Failed to record failure", "subscription_id", id, "kind", kind, "error", err)
		return
	}
	c.onFailureRecorded(ctx, id, &rec, event, "")
}

func (c *cycle) onFailureRecorded(
	ctx context.Context,
	id domain.SubscriptionID,
	rec *state.RetryRecord,
	event journal.Event,
	txHash string,
) {
	if rec == nil {
		return
	}
	metrics.FailuresTotal.WithLabelValues(string(rec.Kind)).Inc()
	c.log.Warn("Collect not possible, backing off",
		"subscription_id", id,
		"kind", rec.Kind,
		"attempt", rec.AttemptCount,
		"next_retry_at", rec.NextRetryAt.Format(time.RFC3339),
		"reason", rec.LastErrorMessage,
	)
	next := rec.NextRetryAt
	c.record(ctx, journal.Entry{
		SubscriptionID: id,
		Event:          event,
		Kind:           rec.Kind,
		Reason:         rec.LastErrorMessage,
		TxHash:         txHash,
		Attempt:        rec.AttemptCount,
		NextRetryAt:    &next,
	})
}

func (c *cycle) record(ctx context.Context, e journal.Entry) {
	e.CycleID = c.id
	e.DryRun = c.k.cfg.DryRun
	e = journal.Stamp(e, c.k.now())
	if err := c.k.deps.Journal.Record(context.WithoutCancel(ctx), e); err != nil {
		c.log.Warn("Failed to write journal entry", "subscription_id", e.SubscriptionID, "event", e.Event, "error", err)
	}
}

func sortedKeys[V any](m map[domain.SubscriptionID]V) []domain.SubscriptionID {
	keys := make([]domain.SubscriptionID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
