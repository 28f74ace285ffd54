// Package controlapi exposes the session orchestrator over HTTP so a UI
// shell can start, stop and observe playback.
package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"livedub/internal/logtail"
	"livedub/internal/platform/logger"
	"livedub/internal/platform/metrics"
	"livedub/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// Sessions is the orchestrator surface the API drives.
type Sessions interface {
	Start(channel, lang string) error
	Stop()
	Status() session.Snapshot
	Logs(since int64) []logtail.Entry
}

// StartLimit caps session starts per client IP.
type StartLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultStartLimit allows 10 starts per minute per IP.
var DefaultStartLimit = StartLimit{Requests: 10, Window: time.Minute}

// Handler exposes session endpoints using go-chi.
type Handler struct {
	sessions Sessions
	log      *slog.Logger
	metrics  *metrics.Metrics
	limit    StartLimit
}

// NewHandler returns a Handler over sessions. Metrics may be nil to disable
// metric recording (e.g. in tests).
func NewHandler(sessions Sessions, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{sessions: sessions, log: log, metrics: m, limit: DefaultStartLimit}
}

// WithStartLimit replaces the start rate limit.
func (h *Handler) WithStartLimit(l StartLimit) *Handler {
	h.limit = l
	return h
}

// Router mounts every endpoint with request logging and metrics.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(metrics.RequestMiddleware(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(h.refreshGauges))
	}
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.StopSession)
		r.Get("/logs", h.GetLogs)
		r.With(h.rateLimit()).Post("/{channel}/{lang}", h.StartSession)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (h *Handler) rateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		h.limit.Requests,
		h.limit.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(h.limit.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many session starts")
		}),
	)
}

func (h *Handler) refreshGauges() {
	active := 0
	switch h.sessions.Status().Status {
	case session.StatusStarting, session.StatusWaiting, session.StatusPlaying:
		active = 1
	}
	h.metrics.SetActiveSessions(active)
}

// StartSession handles POST /session/{channel}/{lang}. The session runs in
// the background; the response carries the snapshot at acceptance.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	lang := chi.URLParam(r, "lang")

	if err := h.sessions.Start(channel, lang); err != nil {
		if errors.Is(err, session.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "invalid_session", err.Error())
			return
		}
		h.log.Error("start session failed",
			slog.String("channel", channel),
			slog.String("lang", lang),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not start session")
		return
	}

	h.log.Info("session requested", slog.String("channel", channel), slog.String("lang", lang))
	writeJSON(w, http.StatusAccepted, h.sessions.Status())
}

// StopSession handles DELETE /session.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Status())
}

type logsResponse struct {
	Entries []logtail.Entry `json:"entries"`
	Next    int64           `json:"next"`
}

// GetLogs handles GET /session/logs?since=N. next is the value to pass as
// since on the following poll.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = n
	}

	entries := h.sessions.Logs(since)
	next := since
	if len(entries) > 0 {
		next = entries[len(entries)-1].Sequence
	}
	if entries == nil {
		entries = []logtail.Entry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries, Next: next})
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
