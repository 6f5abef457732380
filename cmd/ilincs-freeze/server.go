package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/freeze"
	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/Sternrassler/ilincs-freeze/pkg/metrics"
)

// runStatus tracks the most recent freeze run for /ready.
type runStatus struct {
	mu         sync.RWMutex
	running    bool
	last       *freeze.Manifest
	lastErr    error
	finishedAt time.Time
}

func newRunStatus() *runStatus {
	return &runStatus{}
}

func (s *runStatus) started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *runStatus) finished(m *freeze.Manifest, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.lastErr = err
	s.finishedAt = time.Now()
	if err == nil {
		s.last = m
	}
}

// statusReport is the JSON body of /ready.
type statusReport struct {
	Status       string    `json:"status"`
	Running      bool      `json:"running"`
	LastRunID    string    `json:"last_run_id,omitempty"`
	LastMissing  int       `json:"last_missing_signatures"`
	LastError    string    `json:"last_error,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
}

func (s *runStatus) report() statusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := statusReport{Status: "ok", Running: s.running, LastFinished: s.finishedAt}
	if s.last != nil {
		r.LastRunID = s.last.RunID
		r.LastMissing = len(s.last.MissingSignatures)
	}
	if s.lastErr != nil {
		r.LastError = s.lastErr.Error()
	}
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 when the cache backend is unreachable.
func readyHandler(status *runStatus, ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := status.report()
		code := http.StatusOK
		if err := ping(ctx); err != nil {
			report.Status = "cache unavailable: " + err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}

func newMux(status *runStatus, ping func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(status, ping))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// startServer serves /health, /ready and /metrics on addr in the background.
func startServer(addr string, status *runStatus, ping func(context.Context) error) (*http.Server, error) {
	logger := logging.NewLogger("server")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           newMux(status, ping),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Serving health and metrics")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
		}
	}()
	return srv, nil
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
