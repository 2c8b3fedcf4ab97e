package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/keeper/internal/control"
)

// =============================================================================
// Mocks
// =============================================================================

type stubSource struct {
	phase   control.Phase
	running bool
	last    *control.Summary
}

func (s *stubSource) Phase() control.Phase          { return s.phase }
func (s *stubSource) Running() bool                 { return s.running }
func (s *stubSource) LastSummary() *control.Summary { return s.last }

func newMonitor(src Source, now time.Time) *Monitor {
	m := NewMonitor(src, 5*time.Minute)
	m.now = func() time.Time { return now }
	return m
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_CheckHealth(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	recent := now.Add(-time.Minute)

	tests := []struct {
		name string
		last *control.Summary
		want SystemStatus
	}{
		{
			name: "no cycle yet",
			want: StatusDegraded,
		},
		{
			name: "clean cycle",
			last: &control.Summary{FinishedAt: recent},
			want: StatusHealthy,
		},
		{
			name: "scan error",
			last: &control.Summary{FinishedAt: recent, ScanError: "rpc down"},
			want: StatusDegraded,
		},
		{
			name: "read errors",
			last: &control.Summary{FinishedAt: recent, Stats: control.Stats{ReadErrors: 2}},
			want: StatusDegraded,
		},
		{
			name: "persist error",
			last: &control.Summary{FinishedAt: recent, PersistError: "disk full"},
			want: StatusCritical,
		},
		{
			name: "stale",
			last: &control.Summary{FinishedAt: now.Add(-time.Hour)},
			want: StatusCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSource{phase: control.PhaseSleeping, running: true, last: tt.last}
			got := newMonitor(src, now).CheckHealth()
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s (reasons %v)", got.Status, tt.want, got.Reasons)
			}
		})
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	now := time.Unix(1_000_000, 0)

	tests := []struct {
		name     string
		last     *control.Summary
		wantCode int
	}{
		{name: "healthy", last: &control.Summary{FinishedAt: now}, wantCode: http.StatusOK},
		{name: "critical", last: &control.Summary{FinishedAt: now, PersistError: "x"}, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSource{phase: control.PhaseIdle, last: tt.last}
			srv := NewServer(newMonitor(src, now), 0)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("/health code = %d, want %d", rec.Code, tt.wantCode)
			}

			rec = httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
			var report KeeperHealth
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode detailed report: %v", err)
			}
			if report.Phase != control.PhaseIdle {
				t.Errorf("phase = %s, want idle", report.Phase)
			}
		})
	}
}

func TestServer_Ready(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	src := &stubSource{phase: control.PhaseScanning}
	srv := NewServer(newMonitor(src, now), 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready before first cycle = %d, want 503", rec.Code)
	}

	src.last = &control.Summary{FinishedAt: now}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("/ready after a cycle = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}
}
