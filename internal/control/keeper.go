package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/journal"
	"github.com/vietddude/keeper/internal/keeper/backoff"
	"github.com/vietddude/keeper/internal/keeper/precheck"
	"github.com/vietddude/keeper/internal/keeper/resolver"
	"github.com/vietddude/keeper/internal/keeper/scanner"
	"github.com/vietddude/keeper/internal/keeper/simulate"
	"github.com/vietddude/keeper/internal/keeper/submit"
	"github.com/vietddude/keeper/internal/metrics"
)

// Config holds the orchestrator configuration.
type Config struct {
	StartBlock     uint64
	PollInterval   time.Duration
	Once           bool
	DryRun         bool
	Simulate       bool
	IgnoreBackoff  bool
	MaxConcurrency int
	Scanner        scanner.Config
	Submit         submit.Config
	Backoff        backoff.Policy
}

// Deps are the collaborators of the keeper.
type Deps struct {
	Ledger    Ledger
	Persister Persister
	// Journal is optional.
	Journal journal.Sink
	// Mirror is optional.
	Mirror Mirror
	// OnTransition is optional and runs after the metrics hook.
	OnTransition TransitionFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

// Keeper runs collection cycles against one ledger deployment.
type Keeper struct {
	cfg   Config
	deps  Deps
	now   func() time.Time
	state *state.KeeperState

	scanner   *scanner.Scanner
	resolver  *resolver.Resolver
	precheck  *precheck.Engine
	guard     *simulate.Guard
	backoff   *backoff.Store
	submitter *submit.Submitter

	phaseMu sync.Mutex
	phase   Phase

	running atomic.Bool
	last    atomic.Pointer[Summary]
	log     *slog.Logger
}

// New wires a keeper around st, the state loaded at startup. The keeper
// becomes the only mutator of st.
func New(cfg Config, deps Deps, st *state.KeeperState) (*Keeper, error) {
	if deps.Ledger == nil {
		return nil, errors.New("control: ledger is required")
	}
	if deps.Persister == nil {
		return nil, errors.New("control: persister is required")
	}
	if st == nil {
		return nil, errors.New("control: state is required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}

	k := &Keeper{
		cfg:       cfg,
		deps:      deps,
		now:       now,
		state:     st,
		scanner:   scanner.New(deps.Ledger, cfg.Scanner),
		resolver:  resolver.New(deps.Ledger, cfg.MaxConcurrency),
		precheck:  precheck.New(deps.Ledger, deps.Ledger.Address(), cfg.MaxConcurrency),
		guard:     simulate.New(deps.Ledger, cfg.Simulate, cfg.MaxConcurrency),
		backoff:   backoff.NewStore(cfg.Backoff, backoff.WithIgnoreBackoff(cfg.IgnoreBackoff), backoff.WithClock(now)),
		submitter: submit.New(deps.Ledger, cfg.Submit, submit.WithClock(now)),
		phase:     PhaseIdle,
		log:       slog.Default().With("component", "keeper"),
	}
	metrics.CyclePhase.WithLabelValues(string(PhaseIdle)).Set(1)
	return k, nil
}

// State returns the live state. Callers must not mutate it while Run is
// active.
func (k *Keeper) State() *state.KeeperState { return k.state }

// Phase returns the current phase.
func (k *Keeper) Phase() Phase {
	k.phaseMu.Lock()
	defer k.phaseMu.Unlock()
	return k.phase
}

// LastSummary returns the most recent cycle summary, or nil before the
// first cycle completes.
func (k *Keeper) LastSummary() *Summary {
	return k.last.Load()
}

// Running reports whether Run is active.
func (k *Keeper) Running() bool { return k.running.Load() }

func (k *Keeper) transition(to Phase) {
	k.phaseMu.Lock()
	from := k.phase
	k.phase = to
	k.phaseMu.Unlock()
	if from == to {
		return
	}

	metrics.CyclePhase.WithLabelValues(string(from)).Set(0)
	metrics.CyclePhase.WithLabelValues(string(to)).Set(1)
	k.log.Debug("Phase transition", "from", from, "to", to)
	if k.deps.OnTransition != nil {
		k.deps.OnTransition(from, to)
	}
}

// Run executes cycles until ctx is cancelled, or once with Config.Once.
// The sleep between cycles ends immediately on cancellation.
func (k *Keeper) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("keeper already running")
	}
	defer k.running.Store(false)

	if k.cfg.IgnoreBackoff {
		k.log.Warn("Backoff is ignored; known-bad subscriptions will be retried every cycle")
	}
	if k.cfg.DryRun {
		k.log.Info("Dry run: no transactions will be sent and backoff state is not persisted")
	}

	for {
		_, err := k.RunOnce(ctx)
		if err != nil {
			k.log.Error("Cycle failed", "error", err)
		}

		if k.cfg.Once {
			k.transition(PhaseTerminated)
			return err
		}
		if ctx.Err() != nil {
			k.transition(PhaseTerminated)
			return nil
		}

		k.transition(PhaseSleeping)
		timer := time.NewTimer(k.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			k.transition(PhaseTerminated)
			return nil
		case <-timer.C:
		}
		k.transition(PhaseIdle)
	}
}
