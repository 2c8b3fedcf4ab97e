package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vietddude/keeper/internal/core/cursor"
	"github.com/vietddude/keeper/internal/core/domain"
	"github.com/vietddude/keeper/internal/core/state"
	"github.com/vietddude/keeper/internal/infra/ledger"
)

// =============================================================================
// Mock Log Source
// =============================================================================

type call struct{ from, to uint64 }

type mockSource struct {
	mu     sync.Mutex
	events []ledger.SubscribedEvent
	calls  []call
	// failWider fails every query spanning more than this many blocks.
	failWider uint64
	// failTimes fails the first n queries regardless of width.
	failTimes int
	err       error
}

func (m *mockSource) FilterSubscribed(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{from, to})

	if m.failTimes > 0 {
		m.failTimes--
		return nil, m.errOrDefault()
	}
	if m.failWider > 0 && to-from+1 > m.failWider {
		return nil, m.errOrDefault()
	}

	var out []ledger.SubscribedEvent
	for _, ev := range m.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockSource) errOrDefault() error {
	if m.err != nil {
		return m.err
	}
	return errors.New("503 service unavailable")
}

func fastConfig(chunk uint64) Config {
	return Config{
		ChunkSize:     chunk,
		MinChunkSize:  10,
		Confirmations: 2,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
	}
}

func ev(id, plan, block uint64) ledger.SubscribedEvent {
	return ledger.SubscribedEvent{
		SubscriptionID: domain.SubscriptionID(id),
		PlanID:         plan,
		Subscriber:     common.BigToAddress(common.Big1),
		BlockNumber:    block,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestScan_ChunksAndAdvancesCursor(t *testing.T) {
	src := &mockSource{events: []ledger.SubscribedEvent{ev(1, 1, 105), ev(2, 1, 180), ev(3, 2, 260)}}
	st := state.New(1, common.Address{}, 100)
	cur := cursor.NewManager(st, 100)

	res, err := New(src, fastConfig(50)).Scan(context.Background(), cur, st, 252)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if res.From != 100 || res.To != 250 {
		t.Errorf("expected range [100, 250], got [%d, %d]", res.From, res.To)
	}
	if res.Chunks != 4 {
		t.Errorf("expected 4 chunks, got %d", res.Chunks)
	}
	if res.Discovered != 2 {
		t.Errorf("expected 2 discovered (block 260 unconfirmed), got %d", res.Discovered)
	}
	if st.LastScannedBlock != 250 {
		t.Errorf("expected cursor at 250, got %d", st.LastScannedBlock)
	}
	if _, ok := st.Subscriptions[3]; ok {
		t.Error("subscription beyond confirmed head must not be discovered yet")
	}
}

func TestScan_NothingToDo(t *testing.T) {
	src := &mockSource{}
	st := state.New(1, common.Address{}, 100)
	st.LastScannedBlock = 200
	cur := cursor.NewManager(st, 100)

	res, err := New(src, fastConfig(50)).Scan(context.Background(), cur, st, 201)
	if err != nil || res.Chunks != 0 || len(src.calls) != 0 {
		t.Errorf("expected no queries, got res=%+v calls=%d err=%v", res, len(src.calls), err)
	}
}

func TestScan_RetriesTransientFailure(t *testing.T) {
	src := &mockSource{events: []ledger.SubscribedEvent{ev(9, 1, 120)}, failTimes: 2}
	st := state.New(1, common.Address{}, 100)
	cur := cursor.NewManager(st, 100)

	res, err := New(src, fastConfig(100)).Scan(context.Background(), cur, st, 150)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Discovered != 1 {
		t.Errorf("expected subscription discovered after retries, got %d", res.Discovered)
	}
	if len(src.calls) != 3 {
		t.Errorf("expected 3 attempts on the same chunk, got %d", len(src.calls))
	}
	for _, c := range src.calls {
		if c.from != 100 {
			t.Errorf("retry must not skip the range, got from=%d", c.from)
		}
	}
}

func TestScan_ShrinksChunkOnPersistentFailure(t *testing.T) {
	src := &mockSource{events: []ledger.SubscribedEvent{ev(1, 1, 150), ev(2, 1, 390)}, failWider: 100}
	st := state.New(1, common.Address{}, 100)
	cur := cursor.NewManager(st, 100)

	res, err := New(src, fastConfig(400)).Scan(context.Background(), cur, st, 402)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Discovered != 2 {
		t.Errorf("expected both subscriptions, got %d", res.Discovered)
	}
	if st.LastScannedBlock != 400 {
		t.Errorf("expected cursor at 400, got %d", st.LastScannedBlock)
	}
}

func TestScan_ErrorKeepsCursorAtLastGoodChunk(t *testing.T) {
	src := &mockSource{events: []ledger.SubscribedEvent{ev(1, 1, 110)}}
	st := state.New(1, common.Address{}, 100)
	cur := cursor.NewManager(st, 100)
	s := New(src, fastConfig(20))

	// First chunk succeeds, then the provider goes down.
	wrapped := &flakyAfter{inner: src, okCalls: 1}
	s.src = wrapped

	_, err := s.Scan(context.Background(), cur, st, 202)
	if err == nil {
		t.Fatal("expected error when provider stays down")
	}
	if st.LastScannedBlock != 119 {
		t.Errorf("expected cursor at end of first chunk (119), got %d", st.LastScannedBlock)
	}
	if _, ok := st.Subscriptions[1]; !ok {
		t.Error("subscription from the good chunk must be kept")
	}

	// Provider recovers: next pass resumes where it stopped.
	s.src = src
	res, err := s.Scan(context.Background(), cur, st, 202)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res.From != 120 {
		t.Errorf("expected resume from 120, got %d", res.From)
	}
}

func TestScan_RangeLimitHint(t *testing.T) {
	src := &mockSource{failWider: 500, err: errors.New("query is limited to a 500 block range")}
	st := state.New(1, common.Address{}, 1)
	cur := cursor.NewManager(st, 1)

	if _, err := New(src, fastConfig(2000)).Scan(context.Background(), cur, st, 1002); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if src.calls[1].to-src.calls[1].from+1 != 500 {
		t.Errorf("expected second query to use the 500 block hint, got %+v", src.calls[1])
	}
}

func TestScan_DuplicateEventsIgnored(t *testing.T) {
	src := &mockSource{events: []ledger.SubscribedEvent{ev(1, 1, 110), ev(1, 1, 111)}}
	st := state.New(1, common.Address{}, 100)
	cur := cursor.NewManager(st, 100)

	res, _ := New(src, fastConfig(50)).Scan(context.Background(), cur, st, 200)
	if res.Discovered != 1 {
		t.Errorf("expected 1 discovery, got %d", res.Discovered)
	}
	if st.Subscriptions[1].DiscoveredAtBlock != 110 {
		t.Errorf("first sighting must win, got block %d", st.Subscriptions[1].DiscoveredAtBlock)
	}
}

func TestParseRangeLimit(t *testing.T) {
	if n, ok := parseRangeLimit(errors.New("eth_getLogs is limited to a 10000 range")); !ok || n != 10000 {
		t.Errorf("expected 10000, got %d ok=%v", n, ok)
	}
	if _, ok := parseRangeLimit(errors.New("limited to a lot")); ok {
		t.Error("expected no limit")
	}
}

type flakyAfter struct {
	inner   LogSource
	okCalls int
}

func (f *flakyAfter) FilterSubscribed(ctx context.Context, from, to uint64) ([]ledger.SubscribedEvent, error) {
	if f.okCalls > 0 {
		f.okCalls--
		return f.inner.FilterSubscribed(ctx, from, to)
	}
	return nil, errors.New("connection refused")
}
