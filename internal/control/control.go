package control

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

// Ledger is the full ledger surface the keeper drives. Both
// ledger.EthLedger and ledgertest.Ledger satisfy it.
type Ledger interface {
	Address() common.Address
	BlockNumber(ctx context.Context) (uint64, error)
	FilterSubscribed(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error)
	IsDue(ctx context.Context, id domain.SubscriptionID) (bool, error)
	Subscription(ctx context.Context, id domain.SubscriptionID) (domain.Subscription, error)
	Plan(ctx context.Context, planID *big.Int) (domain.Plan, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	SimulateCollect(ctx context.Context, id domain.SubscriptionID) error
	SendCollect(ctx context.Context, id domain.SubscriptionID) (ledger.SentTx, error)
	Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
}

// Persister durably stores the keeper state.
type Persister interface {
	Save(st *state.KeeperState) error
}

// Mirror receives a copy of the state after every cycle.
type Mirror interface {
	Sync(ctx context.Context, st *state.KeeperState) error
}

// Phase is the orchestrator's position in a cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseResolving   Phase = "resolving"
	PhaseReconciling Phase = "reconciling"
	PhaseSelecting   Phase = "selecting"
	PhaseExecuting   Phase = "executing"
	PhaseSleeping    Phase = "sleeping"
	PhaseTerminated  Phase = "terminated"
)

// Phases lists every phase in cycle order.
var Phases = []Phase{
	PhaseIdle, PhaseScanning, PhaseResolving, PhaseReconciling,
	PhaseSelecting, PhaseExecuting, PhaseSleeping, PhaseTerminated,
}

// TransitionFunc is called on every phase change.
type TransitionFunc func(from, to Phase)

// Stats counts what happened in one cycle.
type Stats struct {
	Known          int `json:"known"`
	Discovered     int `json:"discovered"`
	Checked        int `json:"checked"`
	Due            int `json:"due"`
	BackedOff      int `json:"backedOff"`
	ReadErrors     int `json:"readErrors"`
	PrecheckFailed int `json:"precheckFailed"`
	Sent           int `json:"sent"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Throttled      int `json:"throttled"`
	Pending        int `json:"pending"`
	Reconciled     int `json:"reconciled"`
	Dropped        int `json:"dropped"`
}

// Summary describes a finished cycle.
type Summary struct {
	CycleID          uuid.UUID `json:"cycleId"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	DryRun           bool      `json:"dryRun"`
	LatestBlock      uint64    `json:"latestBlock"`
	LastScannedBlock uint64    `json:"lastScannedBlock"`
	ScanError        string    `json:"scanError,omitempty"`
	PersistError     string    `json:"persistError,omitempty"`
	RetryRecords     int       `json:"retryRecords"`
	InFlight         int       `json:"inFlight"`
	Stats            Stats     `json:"stats"`
}

// Duration is how long the cycle took.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }
