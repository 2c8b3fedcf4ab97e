package health

import (
	"fmt"
	"time"

	"github.com/vietddude/keeper/internal/control"
)

// Source exposes the keeper's live status.
type Source interface {
	Phase() control.Phase
	Running() bool
	LastSummary() *control.Summary
}

// Monitor derives a health status from the last completed cycle.
type Monitor struct {
	source     Source
	staleAfter time.Duration
	now        func() time.Time
}

// NewMonitor creates a monitor. A keeper whose last cycle finished more than
// staleAfter ago is critical.
func NewMonitor(source Source, staleAfter time.Duration) *Monitor {
	return &Monitor{source: source, staleAfter: staleAfter, now: time.Now}
}

// CheckHealth evaluates the current status.
func (m *Monitor) CheckHealth() KeeperHealth {
	h := KeeperHealth{
		Status:  StatusHealthy,
		Phase:   m.source.Phase(),
		Running: m.source.Running(),
	}

	last := m.source.LastSummary()
	if last == nil {
		h.Status = StatusDegraded
		h.Reasons = append(h.Reasons, "no cycle completed yet")
		return h
	}
	h.LastCycle = last

	age := m.now().Sub(last.FinishedAt)
	h.LastCycleAge = age.Round(time.Second).String()

	if last.PersistError != "" {
		h.Status = StatusCritical
		h.Reasons = append(h.Reasons, "state persist failed: "+last.PersistError)
	}
	if m.staleAfter > 0 && age > m.staleAfter && h.Phase != control.PhaseExecuting {
		h.Status = StatusCritical
		h.Reasons = append(h.Reasons, fmt.Sprintf("last cycle finished %s ago", h.LastCycleAge))
	}
	if h.Status == StatusCritical {
		return h
	}

	if last.ScanError != "" {
		h.Status = StatusDegraded
		h.Reasons = append(h.Reasons, "scan failed: "+last.ScanError)
	}
	if last.Stats.ReadErrors > 0 {
		h.Status = StatusDegraded
		h.Reasons = append(h.Reasons, fmt.Sprintf("%d read errors in last cycle", last.Stats.ReadErrors))
	}
	return h
}
