package cursor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBlockGap is returned when a range does not start right after the cursor.
	ErrBlockGap = errors.New("block gap detected")

	// ErrInvalidRange is returned when from > to.
	ErrInvalidRange = errors.New("invalid block range")
)

// Manager advances the scan cursor with gap detection.
type Manager struct {
	repo       Repository
	startBlock uint64
	mu         sync.Mutex
	metrics    *MetricsCollector
	now        func() time.Time
}

// NewManager creates a manager over repo. Scanning never starts before
// startBlock.
func NewManager(repo Repository, startBlock uint64) *Manager {
	return &Manager{
		repo:       repo,
		startBlock: startBlock,
		metrics:    NewMetricsCollector(64),
		now:        time.Now,
	}
}

// Current returns the last fully scanned block.
func (m *Manager) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo.LastBlock()
}

// NextFrom returns the first block the next scan must cover.
func (m *Manager) NextFrom() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextFromLocked()
}

func (m *Manager) nextFromLocked() uint64 {
	from := m.repo.LastBlock() + 1
	if from < m.startBlock {
		from = m.startBlock
	}
	return from
}

// Next returns the range to scan given the chain head and the number of
// confirmations required. ok is false when there is nothing to scan.
func (m *Manager) Next(latest, confirmations uint64) (from, to uint64, ok bool) {
	if latest < confirmations {
		return 0, 0, false
	}
	to = latest - confirmations
	from = m.NextFrom()
	if from > to {
		return 0, 0, false
	}
	return from, to, true
}

// Advance moves the cursor to `to` after [from, to] has been incorporated.
func (m *Manager) Advance(from, to uint64) error {
	if from > to {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expected := m.nextFromLocked()
	if from != expected {
		return fmt.Errorf("%w: expected block %d, got %d", ErrBlockGap, expected, from)
	}

	m.repo.SetLastBlock(to)
	m.metrics.RecordRange(from, to, m.now())
	return nil
}

// Reset moves the cursor to block unconditionally. Used by operators to
// force a rescan; rediscovered subscriptions are deduplicated by id.
func (m *Manager) Reset(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repo.SetLastBlock(block)
}

// Lag returns how many confirmed blocks remain unscanned.
func (m *Manager) Lag(latest, confirmations uint64) uint64 {
	if latest < confirmations {
		return 0
	}
	target := latest - confirmations
	cur := m.Current()
	if cur >= target {
		return 0
	}
	return target - cur
}

// GetMetrics returns scan throughput data.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.Snapshot()
}
