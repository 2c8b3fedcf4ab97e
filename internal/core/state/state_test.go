package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/domain"
)

var testLedger = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestNew_PositionsCursorBeforeStartBlock(t *testing.T) {
	tests := []struct {
		start uint64
		want  uint64
	}{
		{start: 0, want: 0},
		{start: 1, want: 0},
		{start: 100, want: 99},
	}
	for _, tt := range tests {
		st := New(1, testLedger, tt.start)
		if st.LastScannedBlock != tt.want {
			t.Errorf("start %d: expected last scanned %d, got %d", tt.start, tt.want, st.LastScannedBlock)
		}
	}
}

func TestMarkInFlight_ClearsRetryAndRejectsSecond(t *testing.T) {
	st := New(1, testLedger, 1)
	now := time.Unix(1000, 0)

	if err := st.PutRetry(RetryRecord{SubscriptionID: 7, Kind: domain.FailureInsufficientBalance, AttemptCount: 1, NextRetryAt: now}); err != nil {
		t.Fatalf("PutRetry failed: %v", err)
	}

	entry := InFlightEntry{SubscriptionID: 7, TxHash: common.HexToHash("0x01"), SubmittedAt: now}
	if err := st.MarkInFlight(entry); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	if _, ok := st.Retry(7); ok {
		t.Error("expected retry record to be cleared on submission")
	}

	err := st.MarkInFlight(InFlightEntry{SubscriptionID: 7, TxHash: common.HexToHash("0x02"), SubmittedAt: now})
	if !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
	if got, _ := st.InFlightFor(7); got.TxHash != entry.TxHash {
		t.Errorf("expected original tx to be kept, got %s", got.TxHash.Hex())
	}
}

func TestPutRetry_RefusedWhileInFlight(t *testing.T) {
	st := New(1, testLedger, 1)
	_ = st.MarkInFlight(InFlightEntry{SubscriptionID: 3, TxHash: common.HexToHash("0x03")})

	err := st.PutRetry(RetryRecord{SubscriptionID: 3, Kind: domain.FailureRPCError})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if _, ok := st.Retry(3); ok {
		t.Error("retry record must not exist alongside in-flight entry")
	}
}

func TestPutRetry_TruncatesReason(t *testing.T) {
	st := New(1, testLedger, 1)
	long := strings.Repeat("x", MaxErrorMessageLen+50)
	_ = st.PutRetry(RetryRecord{SubscriptionID: 1, Kind: domain.FailureSimulationRevert, LastErrorMessage: long})

	rec, _ := st.Retry(1)
	if len(rec.LastErrorMessage) != MaxErrorMessageLen+3 {
		t.Errorf("expected truncated length %d, got %d", MaxErrorMessageLen+3, len(rec.LastErrorMessage))
	}
	if !strings.HasSuffix(rec.LastErrorMessage, "...") {
		t.Error("expected ellipsis suffix")
	}
}

func TestAddSubscription_Immutable(t *testing.T) {
	st := New(1, testLedger, 1)
	first := domain.KnownSubscription{ID: 5, PlanID: 1, DiscoveredAtBlock: 10}
	if !st.AddSubscription(first) {
		t.Fatal("expected first add to succeed")
	}
	if st.AddSubscription(domain.KnownSubscription{ID: 5, PlanID: 9, DiscoveredAtBlock: 20}) {
		t.Error("expected duplicate add to be ignored")
	}
	if st.Subscriptions[5] != first {
		t.Errorf("known subscription changed: %+v", st.Subscriptions[5])
	}
}

func TestClone_IsDeep(t *testing.T) {
	st := New(1, testLedger, 1)
	st.AddSubscription(domain.KnownSubscription{ID: 1})
	_ = st.PutRetry(RetryRecord{SubscriptionID: 1, Kind: domain.FailureRPCError})

	c := st.Clone()
	c.DeleteRetry(1)
	_ = c.MarkInFlight(InFlightEntry{SubscriptionID: 2})
	c.AddSubscription(domain.KnownSubscription{ID: 2})

	if _, ok := st.Retry(1); !ok {
		t.Error("clone mutation leaked into retries")
	}
	if len(st.InFlight) != 0 || len(st.Subscriptions) != 1 {
		t.Error("clone mutation leaked into original maps")
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewStore(path)

	st := New(8453, testLedger, 100)
	st.LastScannedBlock = 250
	st.AddSubscription(domain.KnownSubscription{ID: 42, PlanID: 3, Subscriber: common.HexToAddress("0xbeef"), DiscoveredAtBlock: 120})
	_ = st.PutRetry(RetryRecord{
		SubscriptionID: 42,
		Kind:           domain.FailureInsufficientAllowance,
		AttemptCount:   2,
		LastFailureAt:  time.Unix(1000, 0).UTC(),
		NextRetryAt:    time.Unix(1600, 0).UTC(),
	})
	_ = st.MarkInFlight(InFlightEntry{SubscriptionID: 43, TxHash: common.HexToHash("0xabc"), SubmittedAt: time.Unix(900, 0).UTC(), Nonce: 4})

	if err := store.Save(st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, found, err := store.Load()
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if loaded.LastScannedBlock != 250 || loaded.ChainID != 8453 || loaded.Ledger != testLedger {
		t.Errorf("header mismatch: %+v", loaded)
	}
	if rec, ok := loaded.Retry(42); !ok || rec.AttemptCount != 2 || !rec.NextRetryAt.Equal(time.Unix(1600, 0)) {
		t.Errorf("retry mismatch: %+v", rec)
	}
	if e, ok := loaded.InFlightFor(43); !ok || e.Nonce != 4 || e.TxHash != common.HexToHash("0xabc") {
		t.Errorf("in-flight mismatch: %+v", e)
	}
	if loaded.Subscriptions[42].Subscriber != common.HexToAddress("0xbeef") {
		t.Errorf("subscription mismatch: %+v", loaded.Subscriptions[42])
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	st, found, err := store.Load()
	if err != nil || found || st != nil {
		t.Fatalf("expected not found, got st=%v found=%v err=%v", st, found, err)
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewStore(path).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_LoadDropsShadowedRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
  "version": 1,
  "chainId": 1,
  "ledger": "0x00000000000000000000000000000000000000aa",
  "lastScannedBlock": 5,
  "retries": {"9": {"subscriptionId": 9, "failureKind": "rpcError", "attemptCount": 1}},
  "inFlight": {"9": {"subscriptionId": 9, "txHash": "0x0000000000000000000000000000000000000000000000000000000000000001"}}
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	st, _, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := st.Retry(9); ok {
		t.Error("expected shadowed retry record to be dropped")
	}
	if _, ok := st.InFlightFor(9); !ok {
		t.Error("expected in-flight entry to survive")
	}
	if st.Subscriptions == nil {
		t.Error("expected subscriptions map to be initialised")
	}
}

func TestStore_LoadOrInitRejectsOtherDeployment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)
	if err := store.Save(New(1, testLedger, 1)); err != nil {
		t.Fatal(err)
	}

	_, err := store.LoadOrInit(New(2, testLedger, 1))
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch for chain, got %v", err)
	}

	_, err = store.LoadOrInit(New(1, common.HexToAddress("0xbb"), 1))
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch for ledger, got %v", err)
	}
}
