// Package state holds the keeper's persistent state: the scan cursor, the
// discovered subscriptions, per-subscription retry records and in-flight
// transactions.
//
// A KeeperState is owned by a single goroutine (the cycle orchestrator). It
// enforces that a subscription never has a retry record and an in-flight
// entry at the same time.
package state

import (
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
)

// CurrentVersion is the state file format version.
const CurrentVersion = 1

// MaxErrorMessageLen bounds the stored failure reason.
const MaxErrorMessageLen = 240

var (
	// ErrInFlight is returned when a mutation would violate the
	// one-in-flight-per-subscription rule.
	ErrInFlight = errors.New("subscription has a live in-flight transaction")

	// ErrStateMismatch is returned when a state file belongs to another
	// chain or ledger.
	ErrStateMismatch = errors.New("state file does not match deployment")
)

// RetryRecord is the backoff state of one unhealthy subscription.
type RetryRecord struct {
	SubscriptionID   domain.SubscriptionID `json:"subscriptionId"`
	Kind             domain.FailureKind    `json:"failureKind"`
	AttemptCount     uint32                `json:"attemptCount"`
	LastFailureAt    time.Time             `json:"lastFailureAt"`
	NextRetryAt      time.Time             `json:"nextRetryAt"`
	LastErrorMessage string                `json:"lastErrorMessage,omitempty"`
}

// InFlightEntry is a submitted charge whose outcome is not yet known.
type InFlightEntry struct {
	SubscriptionID domain.SubscriptionID `json:"subscriptionId"`
	TxHash         common.Hash           `json:"txHash"`
	SubmittedAt    time.Time             `json:"submittedAt"`
	Nonce          uint64                `json:"nonce"`
}

// KeeperState is the aggregate persisted after every cycle.
type KeeperState struct {
	Version          int                                                `json:"version"`
	ChainID          uint64                                             `json:"chainId"`
	Ledger           common.Address                                     `json:"ledger"`
	LastScannedBlock uint64                                             `json:"lastScannedBlock"`
	Subscriptions    map[domain.SubscriptionID]domain.KnownSubscription `json:"subscriptions"`
	Retries          map[domain.SubscriptionID]RetryRecord              `json:"retries"`
	InFlight         map[domain.SubscriptionID]InFlightEntry            `json:"inFlight"`
	UpdatedAt        time.Time                                          `json:"updatedAt"`
}

// New creates an empty state positioned just before startBlock.
func New(chainID uint64, ledger common.Address, startBlock uint64) *KeeperState {
	last := uint64(0)
	if startBlock > 0 {
		last = startBlock - 1
	}
	return &KeeperState{
		Version:          CurrentVersion,
		ChainID:          chainID,
		Ledger:           ledger,
		LastScannedBlock: last,
		Subscriptions:    make(map[domain.SubscriptionID]domain.KnownSubscription),
		Retries:          make(map[domain.SubscriptionID]RetryRecord),
		InFlight:         make(map[domain.SubscriptionID]InFlightEntry),
	}
}

// CheckDeployment verifies the state was created for chainID and ledger.
func (s *KeeperState) CheckDeployment(chainID uint64, ledger common.Address) error {
	if s.ChainID != chainID {
		return fmt.Errorf("%w: state chain id %d, deployment chain id %d", ErrStateMismatch, s.ChainID, chainID)
	}
	if s.Ledger != ledger {
		return fmt.Errorf("%w: state ledger %s, deployment ledger %s", ErrStateMismatch, s.Ledger.Hex(), ledger.Hex())
	}
	return nil
}

// LastBlock implements cursor.Repository.
func (s *KeeperState) LastBlock() uint64 { return s.LastScannedBlock }

// SetLastBlock implements cursor.Repository.
func (s *KeeperState) SetLastBlock(block uint64) { s.LastScannedBlock = block }

// AddSubscription records a newly discovered subscription. Known ids are
// left untouched and false is returned.
func (s *KeeperState) AddSubscription(sub domain.KnownSubscription) bool {
	if _, ok := s.Subscriptions[sub.ID]; ok {
		return false
	}
	s.Subscriptions[sub.ID] = sub
	return true
}

// SubscriptionIDs returns the known ids in ascending order.
func (s *KeeperState) SubscriptionIDs() []domain.SubscriptionID {
	ids := make([]domain.SubscriptionID, 0, len(s.Subscriptions))
	for id := range s.Subscriptions {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Retry returns the retry record for id, if any.
func (s *KeeperState) Retry(id domain.SubscriptionID) (RetryRecord, bool) {
	r, ok := s.Retries[id]
	return r, ok
}

// PutRetry stores a retry record. Recording a failure while a transaction
// is in flight is refused.
func (s *KeeperState) PutRetry(rec RetryRecord) error {
	if _, ok := s.InFlight[rec.SubscriptionID]; ok {
		return fmt.Errorf("%w: %s", ErrInFlight, rec.SubscriptionID)
	}
	rec.LastErrorMessage = TruncateReason(rec.LastErrorMessage)
	s.Retries[rec.SubscriptionID] = rec
	return nil
}

// DeleteRetry removes the retry record for id.
func (s *KeeperState) DeleteRetry(id domain.SubscriptionID) {
	delete(s.Retries, id)
}

// InFlightFor returns the in-flight entry for id, if any.
func (s *KeeperState) InFlightFor(id domain.SubscriptionID) (InFlightEntry, bool) {
	e, ok := s.InFlight[id]
	return e, ok
}

// MarkInFlight records a submitted transaction and clears any retry record.
func (s *KeeperState) MarkInFlight(entry InFlightEntry) error {
	if cur, ok := s.InFlight[entry.SubscriptionID]; ok {
		return fmt.Errorf("%w: %s (tx %s)", ErrInFlight, entry.SubscriptionID, cur.TxHash.Hex())
	}
	delete(s.Retries, entry.SubscriptionID)
	s.InFlight[entry.SubscriptionID] = entry
	return nil
}

// ClearInFlight removes the in-flight entry for id.
func (s *KeeperState) ClearInFlight(id domain.SubscriptionID) {
	delete(s.InFlight, id)
}

// InFlightIDs returns the ids with a live in-flight entry in ascending order.
func (s *KeeperState) InFlightIDs() []domain.SubscriptionID {
	ids := make([]domain.SubscriptionID, 0, len(s.InFlight))
	for id := range s.InFlight {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// RetryIDs returns the ids with a retry record in ascending order.
func (s *KeeperState) RetryIDs() []domain.SubscriptionID {
	ids := make([]domain.SubscriptionID, 0, len(s.Retries))
	for id := range s.Retries {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Clone returns a deep copy.
func (s *KeeperState) Clone() *KeeperState {
	c := *s
	c.Subscriptions = make(map[domain.SubscriptionID]domain.KnownSubscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		c.Subscriptions[k] = v
	}
	c.Retries = make(map[domain.SubscriptionID]RetryRecord, len(s.Retries))
	for k, v := range s.Retries {
		c.Retries[k] = v
	}
	c.InFlight = make(map[domain.SubscriptionID]InFlightEntry, len(s.InFlight))
	for k, v := range s.InFlight {
		c.InFlight[k] = v
	}
	return &c
}

// normalize repairs maps and drops retry records shadowed by an in-flight
// entry. It returns the ids whose retry record was dropped.
func (s *KeeperState) normalize() []domain.SubscriptionID {
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[domain.SubscriptionID]domain.KnownSubscription)
	}
	if s.Retries == nil {
		s.Retries = make(map[domain.SubscriptionID]RetryRecord)
	}
	if s.InFlight == nil {
		s.InFlight = make(map[domain.SubscriptionID]InFlightEntry)
	}
	if s.Version == 0 {
		s.Version = CurrentVersion
	}

	var dropped []domain.SubscriptionID
	for id := range s.InFlight {
		if _, ok := s.Retries[id]; ok {
			delete(s.Retries, id)
			dropped = append(dropped, id)
		}
	}
	sortIDs(dropped)
	return dropped
}

// TruncateReason bounds a failure reason to MaxErrorMessageLen runes.
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxErrorMessageLen {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:MaxErrorMessageLen]) + "..."
}

func sortIDs(ids []domain.SubscriptionID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
