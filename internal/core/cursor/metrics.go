package cursor

import "time"

// rangeRecord holds timing data for a scanned range.
type rangeRecord struct {
	Blocks    uint64
	ScannedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	BlocksPerSecond float64
	RangesScanned   int
	LastAdvanceAt   time.Time
}

// MetricsCollector tracks scan throughput over a sliding window of ranges.
type MetricsCollector struct {
	windowSize int
	ranges     []rangeRecord
	total      int
}

// NewMetricsCollector creates a collector keeping the last windowSize ranges.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize < 2 {
		windowSize = 2
	}
	return &MetricsCollector{windowSize: windowSize}
}

// RecordRange records a scanned range.
func (mc *MetricsCollector) RecordRange(from, to uint64, at time.Time) {
	rec := rangeRecord{Blocks: to - from + 1, ScannedAt: at}
	if len(mc.ranges) >= mc.windowSize {
		copy(mc.ranges, mc.ranges[1:])
		mc.ranges[len(mc.ranges)-1] = rec
	} else {
		mc.ranges = append(mc.ranges, rec)
	}
	mc.total++
}

// Snapshot computes the current metrics.
func (mc *MetricsCollector) Snapshot() Metrics {
	m := Metrics{RangesScanned: mc.total}
	if len(mc.ranges) == 0 {
		return m
	}
	m.LastAdvanceAt = mc.ranges[len(mc.ranges)-1].ScannedAt
	if len(mc.ranges) < 2 {
		return m
	}

	// The first range only marks the window start.
	var blocks uint64
	for _, r := range mc.ranges[1:] {
		blocks += r.Blocks
	}
	elapsed := mc.ranges[len(mc.ranges)-1].ScannedAt.Sub(mc.ranges[0].ScannedAt)
	if elapsed > 0 {
		m.BlocksPerSecond = float64(blocks) / elapsed.Seconds()
	}
	return m
}
