package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maintenance-worker/internal/events"
	"maintenance-worker/internal/queue"
	"maintenance-worker/internal/queue/memory"
	"maintenance-worker/internal/run"
)

func TestAuthorize(t *testing.T) {
	s := &Server{token: "token", limiter: newAuthLimiter(10, time.Minute, 10)}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer token")
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized with correct token")
	}

	s = &Server{token: ""}
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized when token not configured")
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	s := &Server{token: "token", limiter: newAuthLimiter(1, time.Minute, 10)}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Result().StatusCode)
	}
}

func TestAuthorizeAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &Server{limiter: newAuthLimiter(10, time.Minute, 10), allow: allowlist}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected denied for non-allowlisted host")
	}
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected allowed for allowlisted host")
	}
}

func TestAuthLimiterRefills(t *testing.T) {
	l := newAuthLimiter(2, time.Minute, 10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !l.allow("h", now) || !l.allow("h", now) {
		t.Fatal("expected burst of 2")
	}
	if l.allow("h", now) {
		t.Fatal("expected third request to be limited")
	}
	if !l.allow("other", now) {
		t.Fatal("expected hosts to be limited independently")
	}
	if !l.allow("h", now.Add(30*time.Second)) {
		t.Fatal("expected a token after window/limit")
	}
}

func TestAuthLimiterForgetsOldestHosts(t *testing.T) {
	l := newAuthLimiter(1, time.Minute, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.allow("a", now)
	l.allow("b", now.Add(time.Second))
	l.allow("c", now.Add(2*time.Second))
	if len(l.hosts) != 2 {
		t.Fatalf("expected 2 tracked hosts, got %d", len(l.hosts))
	}
	if _, ok := l.hosts["a"]; ok {
		t.Fatal("expected the oldest host to be forgotten")
	}
	if l.allow("b", now.Add(3*time.Second)) {
		t.Fatal("expected b to still be limited")
	}
}

type pingStore struct {
	*memory.Store
	err error
}

func (p pingStore) Ping(ctx context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	healthy := NewServer(pingStore{Store: memory.New()}, nil, Options{}).Handler()
	w := httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	down := NewServer(pingStore{Store: memory.New(), err: errors.New("down")}, nil, Options{}).Handler()
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestRunProgressEndpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	created, err := store.Create(ctx, queue.NewRun{TaskName: "maintenance.Sweep"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkRunning(ctx, created.ID, "job-1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	total := int64(10)
	if err := store.Start(ctx, created.ID, "job-1", &total); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.PersistProgress(ctx, created.ID, "job-1", 4, 8*time.Second); err != nil {
		t.Fatalf("persist: %v", err)
	}

	h := NewServer(store, nil, Options{}).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got RunProgress
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TickCount != 4 || got.Percent == nil || *got.Percent != 40 {
		t.Fatalf("unexpected progress %+v", got)
	}
	if got.ETASeconds == nil || *got.ETASeconds != 12 {
		t.Fatalf("expected eta 12s, got %v", got.ETASeconds)
	}

	for path, want := range map[string]int{"/runs/99": http.StatusNotFound, "/runs/abc": http.StatusBadRequest} {
		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, w.Code)
		}
	}
}

func TestRunProgressUnknownTotal(t *testing.T) {
	p := NewRunProgress(&run.Run{ID: 1, Status: run.StatusRunning, TickCount: 3, TimeRunning: 1})
	if p.Percent != nil || p.ETASeconds != nil {
		t.Fatalf("expected no percent or eta without a total, got %+v", p)
	}
}

func TestRunCountsEndpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 0; i < 2; i++ {
		if _, err := store.Create(ctx, queue.NewRun{TaskName: "maintenance.Sweep"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	w := httptest.NewRecorder()
	NewServer(store, nil, Options{}).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/counts", nil))
	var counts map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts["enqueued"] != 2 || counts["errored"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if len(counts) != len(run.AllStatuses) {
		t.Fatalf("expected every status to be listed, got %v", counts)
	}
}

func TestEventsReplaysFilteredSnapshot(t *testing.T) {
	broker := events.NewBroker(10)
	broker.Publish(events.Event{Type: events.TypeRunStarted, RunID: 1, TaskName: "maintenance.Sweep"})
	broker.Publish(events.Event{Type: events.TypeRunStarted, RunID: 2, TaskName: "maintenance.Other"})
	broker.Publish(events.Event{Type: events.TypeRunSucceeded, RunID: 1, TaskName: "maintenance.Sweep"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?run_id=1", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	NewServer(memory.New(), broker, Options{}).Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if got := strings.Count(body, "data: "); got != 2 {
		t.Fatalf("expected 2 events for run 1, got %d:\n%s", got, body)
	}
	if !strings.Contains(body, "event: run_succeeded") {
		t.Fatalf("expected succeeded event, got:\n%s", body)
	}
	if strings.Contains(body, "maintenance.Other") {
		t.Fatalf("expected other runs to be filtered out, got:\n%s", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestEventsNotConfigured(t *testing.T) {
	w := httptest.NewRecorder()
	NewServer(memory.New(), nil, Options{}).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
