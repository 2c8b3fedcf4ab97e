package redis

import (
	"testing"
	"time"

	"github.com/vietddude/keeper/internal/core/state"
)

func TestNewKeys(t *testing.T) {
	k := NewKeys("", 8453, "0xAbC")
	if k.Cursor() != "keeper:8453:0xabc:cursor" {
		t.Errorf("unexpected cursor key %q", k.Cursor())
	}
	if got := NewKeys("ops:keeper:", 1, "0x1").Retries(); got != "ops:keeper:retries" {
		t.Errorf("expected explicit prefix, got %q", got)
	}
}

func TestRetryScore(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	if got := retryScore(state.RetryRecord{NextRetryAt: at}); got != 1_700_000_000 {
		t.Errorf("expected unix seconds, got %v", got)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "18446744073709551615"})
	if err != nil || len(ids) != 2 || ids[1] != 18446744073709551615 {
		t.Errorf("unexpected %v err=%v", ids, err)
	}
	if _, err := parseIDs([]string{"x"}); err == nil {
		t.Error("expected error for non-numeric member")
	}
}

func TestDecodeJSON(t *testing.T) {
	var e state.InFlightEntry
	if !decodeJSON(`{"subscriptionId":4,"nonce":9}`, &e) || e.SubscriptionID != 4 || e.Nonce != 9 {
		t.Errorf("unexpected decode %+v", e)
	}
	if decodeJSON(nil, &e) {
		t.Error("nil member must not decode")
	}
}

func TestSortEntries(t *testing.T) {
	entries := []state.InFlightEntry{{SubscriptionID: 3}, {SubscriptionID: 1}, {SubscriptionID: 2}}
	sortEntries(entries)
	for i, want := range []uint64{1, 2, 3} {
		if uint64(entries[i].SubscriptionID) != want {
			t.Fatalf("expected sorted ids, got %+v", entries)
		}
	}
}
