// Package web serves the worker's operational endpoints: health, Prometheus
// metrics, a live event stream and a JSON view of run progress.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maintenance-worker/internal/events"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/run"
)

// RunReader is the part of the run store the endpoints read.
type RunReader interface {
	Get(ctx context.Context, id int64) (*run.Run, error)
	CountByStatus(ctx context.Context) (map[run.Status]int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr       string
	Token      string
	AuthLimit  int
	AuthWindow time.Duration
	Allowlist  *CIDRAllowlist
	TLS        *tls.Config
}

type Server struct {
	runs    RunReader
	addr    string
	token   string
	limiter *authLimiter
	allow   *CIDRAllowlist
	tls     *tls.Config
	events  *events.Broker
}

func NewServer(runs RunReader, broker *events.Broker, opts Options) *Server {
	return &Server{
		runs:    runs,
		addr:    opts.Addr,
		token:   opts.Token,
		limiter: newAuthLimiter(opts.AuthLimit, opts.AuthWindow, 0),
		allow:   opts.Allowlist,
		tls:     opts.TLS,
		events:  broker,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.guard(s.handleHealth))
	mux.HandleFunc("/metrics", s.guard(promhttp.Handler().ServeHTTP))
	mux.HandleFunc("/events", s.guard(s.handleEvents))
	mux.HandleFunc("/runs/counts", s.guard(s.handleCounts))
	mux.HandleFunc("/runs/{id}", s.guard(s.handleRun))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig:         s.tls,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// guard restricts a handler to GET/HEAD from authorized callers.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.runs.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			slog.Warn("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// RunProgress is the JSON view of one run.
type RunProgress struct {
	ID          int64      `json:"id"`
	TaskName    string     `json:"task_name"`
	Status      run.Status `json:"status"`
	TickCount   int64      `json:"tick_count"`
	TickTotal   *int64     `json:"tick_total,omitempty"`
	Percent     *float64   `json:"percent,omitempty"`
	TimeRunning float64    `json:"time_running"`
	ETASeconds  *float64   `json:"eta_seconds,omitempty"`
	Cursor      *string    `json:"cursor,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	RunAfter    *time.Time `json:"run_after,omitempty"`
	ErrorClass  *string    `json:"error_class,omitempty"`
	Error       *string    `json:"error_message,omitempty"`
}

// NewRunProgress derives percentage and remaining time from the persisted
// counters. The estimate assumes the remaining items take as long as the
// processed ones did.
func NewRunProgress(r *run.Run) RunProgress {
	p := RunProgress{
		ID:          r.ID,
		TaskName:    r.TaskName,
		Status:      r.Status,
		TickCount:   r.TickCount,
		TickTotal:   r.TickTotal,
		TimeRunning: r.TimeRunning,
		Cursor:      r.Cursor,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		RunAfter:    r.RunAfter,
		ErrorClass:  r.ErrorClass,
		Error:       r.ErrorMessage,
	}
	if fraction, ok := r.Progress(); ok {
		pct := fraction * 100
		p.Percent = &pct
		if !r.Status.Terminal() && r.TickCount > 0 && r.TickTotal != nil {
			remaining := float64(*r.TickTotal-r.TickCount) * r.TimeRunning / float64(r.TickCount)
			if remaining < 0 {
				remaining = 0
			}
			p.ETASeconds = &remaining
		}
	}
	return p
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	found, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, queue.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Warn("Run lookup failed", "run_id", id, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, NewRunProgress(found))
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.runs.CountByStatus(r.Context())
	if err != nil {
		slog.Warn("Run count failed", "error", err)
		http.Error(w, "count failed", http.StatusInternalServerError)
		return
	}
	out := make(map[string]int64, len(run.AllStatuses))
	for _, status := range run.AllStatuses {
		out[string(status)] = counts[status]
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("events not configured"))
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("streaming unsupported"))
		return
	}

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		s.deny(w, r, host, "allowlist", http.StatusForbidden, "forbidden")
		return false
	}
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if strings.TrimSpace(authHeader[len("bearer "):]) == s.token {
			return true
		}
	}
	s.deny(w, r, host, "token", http.StatusUnauthorized, "unauthorized")
	return false
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, host, reason string, status int, body string) {
	limited := s.limiter != nil && !s.limiter.allow(host, time.Now())
	slog.Warn(
		"Denied request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
		"reason", reason,
		"rate_limited", limited,
	)
	if limited {
		status, body = http.StatusTooManyRequests, "rate limited"
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
