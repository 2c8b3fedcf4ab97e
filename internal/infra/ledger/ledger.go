// Package ledger is the keeper's typed view of the subscription ledger
// contract and the ERC-20 tokens it charges in.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/metrics"
)

// SubscribedEvent is a decoded Subscribed log.
type SubscribedEvent struct {
	SubscriptionID domain.SubscriptionID
	PlanID         uint64
	Subscriber     common.Address
	BlockNumber    uint64
	TxHash         common.Hash
}

// SentTx identifies a broadcast transaction.
type SentTx struct {
	Hash  common.Hash
	Nonce uint64
}

// Receipt is the part of a transaction receipt the keeper acts on.
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Config configures an EthLedger.
type Config struct {
	RPCURL  string
	Address common.Address
	// PrivateKey signs collect transactions. Nil for read-only use.
	PrivateKey *ecdsa.PrivateKey
	// GasLimit fixes the gas for collect. Zero estimates.
	GasLimit uint64
	// CallTimeout bounds each RPC round trip.
	CallTimeout time.Duration
}

// EthLedger talks to the ledger over JSON-RPC.
type EthLedger struct {
	client      *ethclient.Client
	address     common.Address
	keeper      common.Address
	key         *ecdsa.PrivateKey
	chainID     *big.Int
	gasLimit    uint64
	callTimeout time.Duration
	contract    *bind.BoundContract
}

// Dial connects to cfg.RPCURL and reads the chain id once.
func Dial(ctx context.Context, cfg Config) (*EthLedger, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	l := &EthLedger{
		client:      client,
		address:     cfg.Address,
		key:         cfg.PrivateKey,
		chainID:     chainID,
		gasLimit:    cfg.GasLimit,
		callTimeout: cfg.CallTimeout,
		contract:    bind.NewBoundContract(cfg.Address, openSubABI, client, client, client),
	}
	if cfg.PrivateKey != nil {
		l.keeper = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return l, nil
}

// Close releases the RPC connection.
func (l *EthLedger) Close() { l.client.Close() }

// Address returns the ledger contract address.
func (l *EthLedger) Address() common.Address { return l.address }

// Keeper returns the signing address, or the zero address when read-only.
func (l *EthLedger) Keeper() common.Address { return l.keeper }

// ChainID returns the chain id reported by the endpoint at dial time.
func (l *EthLedger) ChainID() uint64 { return l.chainID.Uint64() }

// HasCode reports whether a contract is deployed at the ledger address.
func (l *EthLedger) HasCode(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	code, err := l.client.CodeAt(ctx, l.address, nil)
	observe("eth_getCode", start, err)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// BlockNumber returns the latest block number.
func (l *EthLedger) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	n, err := l.client.BlockNumber(ctx)
	observe("eth_blockNumber", start, err)
	return n, err
}

// FilterSubscribed returns the Subscribed events in [from, to]. Malformed
// and removed logs are skipped.
func (l *EthLedger) FilterSubscribed(ctx context.Context, from, to uint64) ([]SubscribedEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.address},
		Topics:    [][]common.Hash{{SubscribedTopic}},
	}

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	logs, err := l.client.FilterLogs(ctx, query)
	observe("eth_getLogs", start, err)
	if err != nil {
		return nil, err
	}

	events := make([]SubscribedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, ok := DecodeSubscribed(lg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// DecodeSubscribed extracts the indexed fields of a Subscribed log.
func DecodeSubscribed(lg types.Log) (SubscribedEvent, bool) {
	if lg.Removed || len(lg.Topics) < 4 || lg.Topics[0] != SubscribedTopic {
		return SubscribedEvent{}, false
	}
	id, ok := domain.SubscriptionIDFromBig(lg.Topics[1].Big())
	if !ok {
		return SubscribedEvent{}, false
	}
	planID := lg.Topics[2].Big()
	if !planID.IsUint64() {
		return SubscribedEvent{}, false
	}
	return SubscribedEvent{
		SubscriptionID: id,
		PlanID:         planID.Uint64(),
		Subscriber:     common.BytesToAddress(lg.Topics[3].Bytes()),
		BlockNumber:    lg.BlockNumber,
		TxHash:         lg.TxHash,
	}, true
}

// IsDue calls isDue(id).
func (l *EthLedger) IsDue(ctx context.Context, id domain.SubscriptionID) (bool, error) {
	out, err := l.call(ctx, openSubABI, l.address, "isDue", id.Big())
	if err != nil {
		return false, err
	}
	return unpackBool(out)
}

// HasAccess calls hasAccess(id).
func (l *EthLedger) HasAccess(ctx context.Context, id domain.SubscriptionID) (bool, error) {
	out, err := l.call(ctx, openSubABI, l.address, "hasAccess", id.Big())
	if err != nil {
		return false, err
	}
	return unpackBool(out)
}

// Subscription reads subscriptions(id).
func (l *EthLedger) Subscription(ctx context.Context, id domain.SubscriptionID) (domain.Subscription, error) {
	out, err := l.call(ctx, openSubABI, l.address, "subscriptions", id.Big())
	if err != nil {
		return domain.Subscription{}, err
	}
	if len(out) != 6 {
		return domain.Subscription{}, fmt.Errorf("subscriptions: unexpected result len %d", len(out))
	}

	planID, ok1 := out[0].(*big.Int)
	subscriber, ok2 := out[1].(common.Address)
	status, ok3 := out[2].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return domain.Subscription{}, fmt.Errorf("subscriptions: unexpected types %T %T %T", out[0], out[1], out[2])
	}
	return domain.Subscription{
		PlanID:        planID,
		Subscriber:    subscriber,
		Status:        domain.SubscriptionStatus(status),
		StartTime:     bigU64(out[3]),
		PaidThrough:   bigU64(out[4]),
		LastChargedAt: bigU64(out[5]),
	}, nil
}

// Plan reads plans(planID).
func (l *EthLedger) Plan(ctx context.Context, planID *big.Int) (domain.Plan, error) {
	out, err := l.call(ctx, openSubABI, l.address, "plans", planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if len(out) != 7 {
		return domain.Plan{}, fmt.Errorf("plans: unexpected result len %d", len(out))
	}

	merchant, ok1 := out[0].(common.Address)
	token, ok2 := out[1].(common.Address)
	price, ok3 := out[2].(*big.Int)
	active, ok4 := out[5].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return domain.Plan{}, fmt.Errorf("plans: unexpected types %T %T %T %T", out[0], out[1], out[2], out[5])
	}
	return domain.Plan{
		Merchant:        merchant,
		Token:           token,
		Price:           price,
		Interval:        bigU64(out[3]),
		CollectorFeeBps: bigU64(out[4]),
		Active:          active,
		CreatedAt:       bigU64(out[6]),
	}, nil
}

// Allowance reads token.allowance(owner, spender).
func (l *EthLedger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := l.call(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return unpackBig(out)
}

// BalanceOf reads token.balanceOf(owner).
func (l *EthLedger) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := l.call(ctx, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return unpackBig(out)
}

// SimulateCollect runs collect(id) through eth_call from the keeper
// address. A revert is returned as *RevertError.
func (l *EthLedger) SimulateCollect(ctx context.Context, id domain.SubscriptionID) error {
	data, err := openSubABI.Pack("collect", id.Big())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	_, err = l.client.CallContract(ctx, ethereum.CallMsg{From: l.keeper, To: &l.address, Data: data}, nil)
	observe("eth_call", start, err)
	if err == nil {
		return nil
	}
	if re, ok := AsRevert(err); ok {
		return re
	}
	return err
}

// SendCollect signs and broadcasts collect(id).
func (l *EthLedger) SendCollect(ctx context.Context, id domain.SubscriptionID) (SentTx, error) {
	if l.key == nil {
		return SentTx{}, ErrNoSigner
	}
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return SentTx{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	opts.Context = ctx
	if l.gasLimit > 0 {
		opts.GasLimit = l.gasLimit
	}

	start := time.Now()
	tx, err := l.contract.Transact(opts, "collect", id.Big())
	observe("eth_sendRawTransaction", start, err)
	if err != nil {
		if re, ok := AsRevert(err); ok {
			return SentTx{}, re
		}
		return SentTx{}, err
	}
	return SentTx{Hash: tx.Hash(), Nonce: tx.Nonce()}, nil
}

// Receipt returns the receipt for hash, or ErrReceiptNotFound while the
// transaction is pending or unknown.
func (l *EthLedger) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	rcpt, err := l.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		observe("eth_getTransactionReceipt", start, nil)
		return nil, ErrReceiptNotFound
	}
	observe("eth_getTransactionReceipt", start, err)
	if err != nil {
		return nil, err
	}
	if rcpt == nil {
		return nil, ErrReceiptNotFound
	}
	return &Receipt{
		TxHash:      hash,
		Success:     rcpt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
	}, nil
}

func (l *EthLedger) call(
	ctx context.Context,
	contractABI abi.ABI,
	to common.Address,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	start := time.Now()
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	observe(method, start, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return contractABI.Unpack(method, out)
}

func observe(method string, start time.Time, err error) {
	metrics.RPCCallsTotal.WithLabelValues(method).Inc()
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(method, ClassifyError(err).String()).Inc()
	}
}

func unpackBool(out []interface{}) (bool, error) {
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected result len %d", len(out))
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected type %T", out[0])
	}
	return v, nil
}

func unpackBig(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected result len %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T", out[0])
	}
	return v, nil
}

// bigU64 converts a decoded uint256 that is known to hold a small value
// (timestamps, intervals, bps). Oversized values saturate.
func bigU64(v interface{}) uint64 {
	b, ok := v.(*big.Int)
	if !ok || b.Sign() < 0 {
		return 0
	}
	if !b.IsUint64() {
		return ^uint64(0)
	}
	return b.Uint64()
}
