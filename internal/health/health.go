// Package health reports keeper liveness over HTTP.
package health

import "github.com/vietddude/keeper/internal/control"

// SystemStatus represents the overall health state of the keeper.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// KeeperHealth is the detailed health report.
type KeeperHealth struct {
	Status       SystemStatus     `json:"status"`
	Phase        control.Phase    `json:"phase"`
	Running      bool             `json:"running"`
	Reasons      []string         `json:"reasons,omitempty"`
	LastCycleAge string           `json:"last_cycle_age,omitempty"`
	LastCycle    *control.Summary `json:"last_cycle,omitempty"`
}
