package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the keeper's health report and Prometheus metrics.
//
//	GET /health           {"status": ...}, 503 when critical
//	GET /health/detailed  the full KeeperHealth report
//	GET /ready            204 once a cycle has completed, 503 before
//	GET /metrics          Prometheus exposition
type Server struct {
	monitor *Monitor
	http    *http.Server
}

// NewServer builds a server listening on port. Port 0 picks a free port
// when started.
func NewServer(monitor *Monitor, port int) *Server {
	s := &Server{monitor: monitor}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.summary)
	mux.HandleFunc("GET /health/detailed", s.detailed)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving requests until Stop. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error { return s.http.ListenAndServe() }

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	report := s.monitor.CheckHealth()
	writeJSON(w, statusCode(report.Status), map[string]SystemStatus{"status": report.Status})
}

func (s *Server) detailed(w http.ResponseWriter, _ *http.Request) {
	report := s.monitor.CheckHealth()
	writeJSON(w, statusCode(report.Status), report)
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.monitor.source.LastSummary() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusCode(st SystemStatus) int {
	if st == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
