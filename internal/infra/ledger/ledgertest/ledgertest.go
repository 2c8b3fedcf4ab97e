// Package ledgertest provides an in-memory subscription ledger with the same
// method set as ledger.EthLedger. It models isDue, plan/subscription
// lookups, ERC-20 allowance and balance, and collect execution, and lets
// tests inject RPC failures and hold transactions pending.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

// ErrInjected is the default injected RPC failure.
var ErrInjected = errors.New("ledgertest: injected rpc failure")

// Method names accepted by Fail.
const (
	MethodBlockNumber  = "blockNumber"
	MethodGetLogs      = "getLogs"
	MethodIsDue        = "isDue"
	MethodHasAccess    = "hasAccess"
	MethodSubscription = "subscriptions"
	MethodPlan         = "plans"
	MethodAllowance    = "allowance"
	MethodBalanceOf    = "balanceOf"
	MethodSimulate     = "simulate"
	MethodSend         = "send"
	MethodReceipt      = "receipt"
)

type pendingTx struct {
	id      domain.SubscriptionID
	nonce   uint64
	receipt *ledger.Receipt
}

type failure struct {
	err       error
	remaining int // <0 means forever
}

// Ledger is a thread-safe fake ledger.
type Ledger struct {
	mu sync.Mutex

	address common.Address
	keeper  common.Address
	chainID uint64
	head    uint64
	now     func() time.Time
	hasCode bool

	// AutoMine executes sends immediately. When false, transactions stay
	// pending until Mine is called.
	autoMine bool

	plans      map[uint64]domain.Plan
	subs       map[domain.SubscriptionID]domain.Subscription
	allowances map[common.Address]map[common.Address]*big.Int
	balances   map[common.Address]map[common.Address]*big.Int
	events     []ledger.SubscribedEvent
	txs        map[common.Hash]*pendingTx
	txOrder    []common.Hash
	nonce      uint64

	failures   map[string]*failure
	perID      map[string]map[domain.SubscriptionID]error
	calls      map[string]int
	sent       []domain.SubscriptionID
	simulateOK map[domain.SubscriptionID]bool
}

// New creates an empty ledger at address with the clock at now.
func New(chainID uint64, address common.Address, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		address:    address,
		keeper:     common.HexToAddress("0x000000000000000000000000000000000000beef"),
		chainID:    chainID,
		now:        now,
		hasCode:    true,
		autoMine:   true,
		plans:      make(map[uint64]domain.Plan),
		subs:       make(map[domain.SubscriptionID]domain.Subscription),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		txs:        make(map[common.Hash]*pendingTx),
		failures:   make(map[string]*failure),
		perID:      make(map[string]map[domain.SubscriptionID]error),
		calls:      make(map[string]int),
		simulateOK: make(map[domain.SubscriptionID]bool),
	}
}

// ---------------------------------------------------------------------------
// Test setup
// ---------------------------------------------------------------------------

// SetHead sets the latest block number.
func (l *Ledger) SetHead(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = n
}

// SetAutoMine controls whether sends are mined immediately.
func (l *Ledger) SetAutoMine(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoMine = on
}

// SetHasCode controls HasCode.
func (l *Ledger) SetHasCode(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasCode = on
}

// AddPlan registers a plan.
func (l *Ledger) AddPlan(id uint64, p domain.Plan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.Price = new(big.Int).Set(p.Price)
	l.plans[id] = p
}

// SetPlanActive toggles a plan.
func (l *Ledger) SetPlanActive(id uint64, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.plans[id]
	p.Active = active
	l.plans[id] = p
}

// Subscribe creates an active subscription and emits a Subscribed event
// at block. paidThrough is the unix time it becomes due.
func (l *Ledger) Subscribe(id domain.SubscriptionID, planID uint64, subscriber common.Address, paidThrough uint64, block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[id] = domain.Subscription{
		PlanID:      new(big.Int).SetUint64(planID),
		Subscriber:  subscriber,
		Status:      domain.SubscriptionStatusActive,
		StartTime:   uint64(l.now().Unix()),
		PaidThrough: paidThrough,
	}
	l.events = append(l.events, ledger.SubscribedEvent{
		SubscriptionID: id,
		PlanID:         planID,
		Subscriber:     subscriber,
		BlockNumber:    block,
	})
}

// SetStatus overrides a subscription's status.
func (l *Ledger) SetStatus(id domain.SubscriptionID, status domain.SubscriptionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.subs[id]
	s.Status = status
	l.subs[id] = s
}

// SetAllowance sets token.allowance(owner, ledger).
func (l *Ledger) SetAllowance(token, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	setAmount(l.allowances, token, owner, amount)
}

// SetBalance sets token.balanceOf(owner).
func (l *Ledger) SetBalance(token, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	setAmount(l.balances, token, owner, amount)
}

// TokenBalance returns token.balanceOf(owner).
func (l *Ledger) TokenBalance(token, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(getAmount(l.balances, token, owner))
}

// SubscriptionState returns the current subscription record.
func (l *Ledger) SubscriptionState(id domain.SubscriptionID) domain.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[id]
}

// ForceSimulationPass makes SimulateCollect succeed for id regardless of
// state, to exercise mined reverts.
func (l *Ledger) ForceSimulationPass(id domain.SubscriptionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulateOK[id] = true
}

// Fail makes the next n calls of method return err. n < 0 fails forever;
// a nil err uses ErrInjected.
func (l *Ledger) Fail(method string, err error, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	l.failures[method] = &failure{err: err, remaining: n}
}

// FailFor makes method fail for one subscription until cleared with a nil err.
func (l *Ledger) FailFor(method string, id domain.SubscriptionID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perID[method] == nil {
		l.perID[method] = make(map[domain.SubscriptionID]error)
	}
	if err == nil {
		delete(l.perID[method], id)
		return
	}
	l.perID[method][id] = err
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Sent returns the subscription ids collect was broadcast for, in order.
func (l *Ledger) Sent() []domain.SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SubscriptionID(nil), l.sent...)
}

// Mine executes every pending transaction at the current head.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.txOrder {
		tx, ok := l.txs[h]
		if ok && tx.receipt == nil {
			l.executeLocked(h, tx)
		}
	}
}

// Drop forgets a pending transaction, as if it was evicted from the mempool.
func (l *Ledger) Drop(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.txs, hash)
}

// ---------------------------------------------------------------------------
// Ledger interface
// ---------------------------------------------------------------------------

// Address returns the ledger address.
func (l *Ledger) Address() common.Address { return l.address }

// Keeper returns the fake signer address.
func (l *Ledger) Keeper() common.Address { return l.keeper }

// ChainID returns the configured chain id.
func (l *Ledger) ChainID() uint64 { return l.chainID }

// HasCode reports whether code is deployed.
func (l *Ledger) HasCode(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasCode, nil
}

// BlockNumber returns the head.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodBlockNumber, 0, false); err != nil {
		return 0, err
	}
	return l.head, nil
}

// FilterSubscribed returns events in [from, to].
func (l *Ledger) FilterSubscribed(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodGetLogs, 0, false); err != nil {
		return nil, err
	}
	var out []ledger.SubscribedEvent
	for _, ev := range l.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// IsDue reports whether id is active and past its paid-through time.
func (l *Ledger) IsDue(ctx context.Context, id domain.SubscriptionID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodIsDue, id, true); err != nil {
		return false, err
	}
	return l.isDueLocked(id), nil
}

// HasAccess reports whether id is active and paid through now.
func (l *Ledger) HasAccess(ctx context.Context, id domain.SubscriptionID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodHasAccess, id, true); err != nil {
		return false, err
	}
	s, ok := l.subs[id]
	return ok && s.Active() && uint64(l.now().Unix()) < s.PaidThrough, nil
}

// Subscription returns the subscription record.
func (l *Ledger) Subscription(ctx context.Context, id domain.SubscriptionID) (domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodSubscription, id, true); err != nil {
		return domain.Subscription{}, err
	}
	s := l.subs[id]
	if s.PlanID == nil {
		s.PlanID = new(big.Int)
	}
	return s, nil
}

// Plan returns the plan record.
func (l *Ledger) Plan(ctx context.Context, planID *big.Int) (domain.Plan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodPlan, 0, false); err != nil {
		return domain.Plan{}, err
	}
	p, ok := l.plans[planID.Uint64()]
	if !ok {
		return domain.Plan{Price: new(big.Int)}, nil
	}
	p.Price = new(big.Int).Set(p.Price)
	return p, nil
}

// Allowance returns token.allowance(owner, spender).
func (l *Ledger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodAllowance, 0, false); err != nil {
		return nil, err
	}
	if spender != l.address {
		return new(big.Int), nil
	}
	return new(big.Int).Set(getAmount(l.allowances, token, owner)), nil
}

// BalanceOf returns token.balanceOf(owner).
func (l *Ledger) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodBalanceOf, 0, false); err != nil {
		return nil, err
	}
	return new(big.Int).Set(getAmount(l.balances, token, owner)), nil
}

// SimulateCollect checks collect(id) without mutating state.
func (l *Ledger) SimulateCollect(ctx context.Context, id domain.SubscriptionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodSimulate, id, true); err != nil {
		return err
	}
	if l.simulateOK[id] {
		return nil
	}
	if reason := l.collectRevertLocked(id); reason != "" {
		return &ledger.RevertError{Reason: reason}
	}
	return nil
}

// SendCollect broadcasts collect(id). With auto-mine on, it executes at
// the current head.
func (l *Ledger) SendCollect(ctx context.Context, id domain.SubscriptionID) (ledger.SentTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodSend, id, true); err != nil {
		return ledger.SentTx{}, err
	}

	nonce := l.nonce
	l.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("collect:%d:%d", id, nonce)))
	tx := &pendingTx{id: id, nonce: nonce}
	l.txs[hash] = tx
	l.txOrder = append(l.txOrder, hash)
	l.sent = append(l.sent, id)

	if l.autoMine {
		l.executeLocked(hash, tx)
	}
	return ledger.SentTx{Hash: hash, Nonce: nonce}, nil
}

// Receipt returns the receipt of a mined transaction.
func (l *Ledger) Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injectedLocked(MethodReceipt, 0, false); err != nil {
		return nil, err
	}
	tx, ok := l.txs[hash]
	if !ok || tx.receipt == nil {
		return nil, ledger.ErrReceiptNotFound
	}
	r := *tx.receipt
	return &r, nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (l *Ledger) injectedLocked(method string, id domain.SubscriptionID, hasID bool) error {
	l.calls[method]++
	if hasID {
		if err, ok := l.perID[method][id]; ok {
			return err
		}
	}
	f, ok := l.failures[method]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(l.failures, method)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (l *Ledger) isDueLocked(id domain.SubscriptionID) bool {
	s, ok := l.subs[id]
	return ok && s.Active() && uint64(l.now().Unix()) >= s.PaidThrough
}

func (l *Ledger) collectRevertLocked(id domain.SubscriptionID) string {
	s, ok := l.subs[id]
	if !ok || !s.Active() {
		return "SubscriptionNotActive()"
	}
	if !l.isDueLocked(id) {
		return "NotDue()"
	}
	p, ok := l.plans[s.PlanID.Uint64()]
	if !ok || !p.Active {
		return "PlanInactive()"
	}
	if getAmount(l.allowances, p.Token, s.Subscriber).Cmp(p.Price) < 0 {
		return "ERC20: insufficient allowance"
	}
	if getAmount(l.balances, p.Token, s.Subscriber).Cmp(p.Price) < 0 {
		return "ERC20: transfer amount exceeds balance"
	}
	return ""
}

func (l *Ledger) executeLocked(hash common.Hash, tx *pendingTx) {
	rcpt := &ledger.Receipt{TxHash: hash, BlockNumber: l.head}
	if l.collectRevertLocked(tx.id) == "" {
		s := l.subs[tx.id]
		p := l.plans[s.PlanID.Uint64()]

		allowance := getAmount(l.allowances, p.Token, s.Subscriber)
		setAmount(l.allowances, p.Token, s.Subscriber, new(big.Int).Sub(allowance, p.Price))
		bal := getAmount(l.balances, p.Token, s.Subscriber)
		setAmount(l.balances, p.Token, s.Subscriber, new(big.Int).Sub(bal, p.Price))
		merchant := getAmount(l.balances, p.Token, p.Merchant)
		setAmount(l.balances, p.Token, p.Merchant, new(big.Int).Add(merchant, p.Price))

		s.LastChargedAt = uint64(l.now().Unix())
		s.PaidThrough += p.Interval
		l.subs[tx.id] = s
		rcpt.Success = true
	}
	tx.receipt = rcpt
}

// TxHashes returns every broadcast transaction hash in send order.
func (l *Ledger) TxHashes() []common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]common.Hash(nil), l.txOrder...)
	return out
}

// SubscriptionIDs returns the ids created with Subscribe, ascending.
func (l *Ledger) SubscriptionIDs() []domain.SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]domain.SubscriptionID, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func getAmount(m map[common.Address]map[common.Address]*big.Int, token, owner common.Address) *big.Int {
	if v, ok := m[token][owner]; ok {
		return v
	}
	return new(big.Int)
}

func setAmount(m map[common.Address]map[common.Address]*big.Int, token, owner common.Address, v *big.Int) {
	if m[token] == nil {
		m[token] = make(map[common.Address]*big.Int)
	}
	m[token][owner] = new(big.Int).Set(v)
}
