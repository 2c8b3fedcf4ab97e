package cursor

import (
	"errors"
	"testing"
	"time"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockRepo struct {
	last uint64
}

func (r *mockRepo) LastBlock() uint64      { return r.last }
func (r *mockRepo) SetLastBlock(b uint64) { r.last = b }

// =============================================================================
// Manager Tests
// =============================================================================

func TestNext(t *testing.T) {
	tests := []struct {
		name          string
		last          uint64
		start         uint64
		latest        uint64
		confirmations uint64
		wantFrom      uint64
		wantTo        uint64
		wantOK        bool
	}{
		{name: "fresh cursor starts at start block", last: 99, start: 100, latest: 200, confirmations: 2, wantFrom: 100, wantTo: 198, wantOK: true},
		{name: "old cursor clamped to start block", last: 10, start: 100, latest: 200, confirmations: 0, wantFrom: 100, wantTo: 200, wantOK: true},
		{name: "caught up", last: 198, start: 100, latest: 200, confirmations: 2, wantOK: false},
		{name: "head below confirmations", last: 0, start: 0, latest: 1, confirmations: 5, wantOK: false},
		{name: "resume after cursor", last: 150, start: 100, latest: 200, confirmations: 2, wantFrom: 151, wantTo: 198, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&mockRepo{last: tt.last}, tt.start)
			from, to, ok := m.Next(tt.latest, tt.confirmations)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && (from != tt.wantFrom || to != tt.wantTo) {
				t.Errorf("expected [%d, %d], got [%d, %d]", tt.wantFrom, tt.wantTo, from, to)
			}
		})
	}
}

func TestAdvance_Sequential(t *testing.T) {
	repo := &mockRepo{last: 99}
	m := NewManager(repo, 100)

	if err := m.Advance(100, 149); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := m.Advance(150, 199); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if repo.last != 199 {
		t.Errorf("expected cursor at 199, got %d", repo.last)
	}
}

func TestAdvance_GapDetection(t *testing.T) {
	repo := &mockRepo{last: 1000}
	m := NewManager(repo, 0)

	err := m.Advance(1005, 1010)
	if !errors.Is(err, ErrBlockGap) {
		t.Fatalf("expected ErrBlockGap, got %v", err)
	}
	if repo.last != 1000 {
		t.Errorf("cursor moved on gap: %d", repo.last)
	}

	// Re-scanning an already covered range is a gap too.
	if err := m.Advance(990, 1000); !errors.Is(err, ErrBlockGap) {
		t.Errorf("expected ErrBlockGap for rewind, got %v", err)
	}
}

func TestAdvance_InvalidRange(t *testing.T) {
	m := NewManager(&mockRepo{last: 9}, 0)
	if err := m.Advance(20, 10); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestLag(t *testing.T) {
	m := NewManager(&mockRepo{last: 90}, 0)
	if lag := m.Lag(100, 2); lag != 8 {
		t.Errorf("expected lag 8, got %d", lag)
	}
	if lag := m.Lag(91, 2); lag != 0 {
		t.Errorf("expected lag 0, got %d", lag)
	}
}

func TestReset(t *testing.T) {
	repo := &mockRepo{last: 500}
	m := NewManager(repo, 0)
	m.Reset(100)
	if m.Current() != 100 {
		t.Errorf("expected 100, got %d", m.Current())
	}
	if err := m.Advance(101, 120); err != nil {
		t.Errorf("Advance after reset failed: %v", err)
	}
}

func TestMetrics_BlocksPerSecond(t *testing.T) {
	repo := &mockRepo{last: 0}
	m := NewManager(repo, 1)
	base := time.Unix(0, 0)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_ = m.Advance(1, 10)
	_ = m.Advance(11, 20)
	_ = m.Advance(21, 30)

	got := m.GetMetrics()
	if got.RangesScanned != 3 {
		t.Errorf("expected 3 ranges, got %d", got.RangesScanned)
	}
	// 20 blocks over 2 seconds after the window start.
	if got.BlocksPerSecond != 10 {
		t.Errorf("expected 10 blocks/s, got %f", got.BlocksPerSecond)
	}
}
