package pipelinesim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"livedub/internal/platform/logger"
	"livedub/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	heartbeatInterval   = 15 * time.Second
	wsWriteTimeout      = 5 * time.Second
)

// Handler exposes the simulated pipeline over HTTP using go-chi.
type Handler struct {
	svc      *Service
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler returns a Handler over svc. Metrics may be nil to disable
// metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:      svc,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		done:     make(chan struct{}),
	}
}

// Close ends every open log stream so a graceful shutdown can finish.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Router mounts the pipeline endpoints.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(metrics.RequestMiddleware(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(nil))
	}
	r.Post("/start/{channel}/{lang}", h.StartPipeline)
	r.Post("/streams/{channel}/{lang}/end", h.EndStream)
	r.Route("/hls/{channel}/{lang}", func(r chi.Router) {
		r.Get("/index.m3u8", h.GetPlaylist)
		r.Head("/index.m3u8", h.GetPlaylist)
		r.Get("/{segment}", h.GetSegment)
	})
	r.Get("/logs/stream", h.StreamLogs)
	r.Get("/logs/{channel}/{lang}", h.StreamLogs)
	return r
}

func streamKey(r *http.Request) (StreamKey, bool) {
	k := StreamKey{Channel: chi.URLParam(r, "channel"), Lang: chi.URLParam(r, "lang")}
	return k, k.Channel != "" && k.Lang != ""
}

type startResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Lang    string `json:"lang"`
	Created bool   `json:"created"`
}

// StartPipeline handles POST /start/{channel}/{lang}. Repeated starts are
// acknowledged without restarting the pipeline.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKey(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	created, err := h.svc.Start(key)
	if err != nil {
		h.log.Error("start pipeline failed", slog.String("stream", key.String()), slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(startResponse{Status: "ok", Channel: key.Channel, Lang: key.Lang, Created: created})
}

// GetPlaylist handles GET and HEAD /hls/{channel}/{lang}/index.m3u8. It is
// 404 until the first segment exists.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKey(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m3u8, ok := h.svc.Playlist(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(m3u8)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(m3u8))
	}
}

// GetSegment handles GET /hls/{channel}/{lang}/{sequence}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKey(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "segment")
	seq, err := strconv.ParseInt(strings.TrimSuffix(name, ".ts"), 10, 64)
	if err != nil || !strings.HasSuffix(name, ".ts") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, ok := h.svc.SegmentData(key, seq)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", segmentContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// EndStream handles POST /streams/{channel}/{lang}/end.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKey(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.End(key); err != nil {
		h.log.Error("end stream failed", slog.String("stream", key.String()), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("stream ended", slog.String("stream", key.String()))
	w.WriteHeader(http.StatusOK)
}

// StreamLogs handles GET /logs/stream and /logs/{channel}/{lang}. A
// WebSocket upgrade request gets JSON text frames, anything else gets
// Server-Sent Events.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	var filter *StreamKey
	if key, ok := streamKey(r); ok {
		filter = &key
	}
	after := resumeID(r)

	if websocket.IsWebSocketUpgrade(r) {
		h.streamWebSocket(w, r, filter, after)
		return
	}
	h.streamSSE(w, r, filter, after)
}

// resumeID reads the last id the client saw from Last-Event-ID or the
// last_event_id query parameter.
func resumeID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, filter *StreamKey, after int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.svc.Logs().Subscribe(filter, after)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Text)
		}
		flusher.Flush()
	}
}

func (h *Handler) streamWebSocket(w http.ResponseWriter, r *http.Request, filter *StreamKey, after int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("log socket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancel := h.svc.Logs().Subscribe(filter, after)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
