package domain

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// SubscriptionID identifies a subscription on the ledger.
type SubscriptionID uint64

// String returns the decimal form used in state files and logs.
func (id SubscriptionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Big returns the id as an ABI uint256 argument.
func (id SubscriptionID) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// ParseSubscriptionID parses a decimal subscription id.
func ParseSubscriptionID(s string) (SubscriptionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return SubscriptionID(v), nil
}

// SubscriptionIDFromBig converts a uint256 id. ok is false when the value
// does not fit in 64 bits.
func SubscriptionIDFromBig(v *big.Int) (SubscriptionID, bool) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, false
	}
	return SubscriptionID(v.Uint64()), true
}

// SubscriptionStatus mirrors the ledger's status enum.
type SubscriptionStatus uint8

// SubscriptionStatusActive is the only status a charge can succeed for.
const SubscriptionStatusActive SubscriptionStatus = 1

// KnownSubscription is the identity of a discovered subscription. Current
// status is always re-read from the ledger.
type KnownSubscription struct {
	ID                SubscriptionID `json:"id"`
	PlanID            uint64         `json:"planId"`
	Subscriber        common.Address `json:"subscriber"`
	DiscoveredAtBlock uint64         `json:"discoveredAtBlock"`
}

// Subscription is the ledger's live view of a subscription.
type Subscription struct {
	PlanID        *big.Int
	Subscriber    common.Address
	Status        SubscriptionStatus
	StartTime     uint64
	PaidThrough   uint64
	LastChargedAt uint64
}

// Active reports whether the subscription can currently be charged.
func (s Subscription) Active() bool {
	return s.Status == SubscriptionStatusActive
}

// Plan is the ledger's live view of a plan.
type Plan struct {
	Merchant        common.Address
	Token           common.Address
	Price           *big.Int
	Interval        uint64
	CollectorFeeBps uint64
	Active          bool
	CreatedAt       uint64
}

// DueSubscription is a subscription the resolver found due, together with
// the reads the prechecks need.
type DueSubscription struct {
	ID           SubscriptionID
	Subscription Subscription
	Plan         Plan
}
