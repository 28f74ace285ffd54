package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"livedub/internal/probe"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestSessionCounters(t *testing.T) {
	m := New()
	m.Triggered(nil)
	m.Triggered(errors.New("down"))
	m.ProbeAttempt(probe.NotFound)
	m.ProbeAttempt(probe.NotFound)
	m.ProbeAttempt(probe.Found)
	m.Recovering()
	m.Failed("start-error")
	m.IncLogEntries()

	out := scrape(t, m, nil)
	for _, want := range []string{
		`livedub_pipeline_triggers_total{result="error"} 1`,
		`livedub_pipeline_triggers_total{result="ok"} 1`,
		`livedub_manifest_probe_attempts_total{outcome="not_found"} 2`,
		`livedub_manifest_probe_attempts_total{outcome="found"} 1`,
		`livedub_playback_recoveries_total 1`,
		`livedub_session_failures_total{reason="start-error"} 1`,
		`livedub_log_entries_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandler_RefreshesGauges(t *testing.T) {
	m := New()
	out := scrape(t, m, func() { m.SetActiveSessions(1) })
	if !strings.Contains(out, "livedub_active_sessions 1") {
		t.Errorf("metrics output missing active sessions gauge:\n%s", out)
	}
}

func TestRequestMiddleware_CountsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.(http.Flusher).Flush()
	}))

	for _, p := range []string{"/ok", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	out := scrape(t, m, nil)
	if !strings.Contains(out, "livedub_requests_total 2") {
		t.Errorf("want 2 requests in:\n%s", out)
	}
	if !strings.Contains(out, "livedub_errors_total 1") {
		t.Errorf("want 1 error in:\n%s", out)
	}
}
