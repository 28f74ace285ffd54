package controlapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"livedub/internal/logtail"
	"livedub/internal/platform/logger"
	"livedub/internal/platform/metrics"
	"livedub/internal/session"
)

type fakeSessions struct {
	mu      sync.Mutex
	started []session.Key
	stops   int
	snap    session.Snapshot
	entries []logtail.Entry
}

func (f *fakeSessions) Start(channel, lang string) error {
	if channel == "" || lang == "" {
		return session.ErrInvalidKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := session.Key{Channel: channel, Lang: lang}
	f.started = append(f.started, k)
	f.snap = session.Snapshot{Key: k, Phase: "starting", Status: session.StatusStarting}
	return nil
}

func (f *fakeSessions) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.snap = session.Snapshot{Phase: "idle"}
}

func (f *fakeSessions) Status() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSessions) Logs(since int64) []logtail.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if since >= int64(len(f.entries)) {
		return nil
	}
	return f.entries[since:]
}

func newTestRouter(t *testing.T, f *fakeSessions, m *metrics.Metrics) http.Handler {
	t.Helper()
	return NewHandler(f, logger.Discard(), m).Router()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandler_StartSession(t *testing.T) {
	f := &fakeSessions{}
	r := newTestRouter(t, f, nil)

	rec := do(r, http.MethodPost, "/session/news/es")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var snap map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["status"] != "starting" {
		t.Errorf("status = %v, want starting", snap["status"])
	}
	if len(f.started) != 1 || f.started[0] != (session.Key{Channel: "news", Lang: "es"}) {
		t.Errorf("started = %v", f.started)
	}
}

func TestHandler_StartSession_invalid(t *testing.T) {
	f := &fakeSessions{}
	h := NewHandler(f, logger.Discard(), nil)

	req := httptest.NewRequest(http.MethodPost, "/session/x/y", nil)
	rec := httptest.NewRecorder()
	h.StartSession(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without route params, got %d", rec.Code)
	}
}

func TestHandler_StopAndStatus(t *testing.T) {
	f := &fakeSessions{}
	r := newTestRouter(t, f, nil)
	do(r, http.MethodPost, "/session/news/es")

	if rec := do(r, http.MethodDelete, "/session"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if f.stops != 1 {
		t.Errorf("stops = %d, want 1", f.stops)
	}

	rec := do(r, http.MethodGet, "/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"idle"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_GetLogs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeSessions{entries: []logtail.Entry{
		{Sequence: 1, Text: "asr: hola", ReceivedAt: now},
		{Sequence: 2, Text: "mt: hello", ReceivedAt: now},
		{Sequence: 3, Text: "tts: ok", ReceivedAt: now},
	}}
	r := newTestRouter(t, f, nil)

	rec := do(r, http.MethodGet, "/session/logs?since=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body logsResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Text != "mt: hello" || body.Next != 3 {
		t.Errorf("unexpected logs response %+v", body)
	}

	rec = do(r, http.MethodGet, "/session/logs?since=3")
	if !strings.Contains(rec.Body.String(), `"entries":[]`) || !strings.Contains(rec.Body.String(), `"next":3`) {
		t.Errorf("empty page body = %s", rec.Body.String())
	}

	if rec := do(r, http.MethodGet, "/session/logs?since=-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative since, got %d", rec.Code)
	}
}

func TestHandler_StartRateLimited(t *testing.T) {
	f := &fakeSessions{}
	r := NewHandler(f, logger.Discard(), nil).
		WithStartLimit(StartLimit{Requests: 2, Window: time.Minute}).
		Router()

	for i := 0; i < 2; i++ {
		if rec := do(r, http.MethodPost, "/session/news/es"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	rec := do(r, http.MethodPost, "/session/news/es")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec := do(r, http.MethodGet, "/session"); rec.Code != http.StatusOK {
		t.Errorf("status endpoint should not be limited, got %d", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	f := &fakeSessions{}
	m := metrics.New()
	r := newTestRouter(t, f, m)

	do(r, http.MethodPost, "/session/news/es")
	do(r, http.MethodGet, "/session/logs?since=x")

	rec := do(r, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"livedub_active_sessions 1", "livedub_requests_total 2", "livedub_errors_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
