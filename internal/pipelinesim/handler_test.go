package pipelinesim

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livedub/internal/platform/logger"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(NewInMemoryRepository(), Options{Manual: true})
	h := NewHandler(svc, logger.Discard(), nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		_ = svc.Close()
	})
	return svc, srv
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_StartPipeline(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/start/news/es")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body startResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Channel != "news" || body.Lang != "es" || !body.Created {
		t.Errorf("unexpected body %+v", body)
	}

	resp = do(t, http.MethodPost, srv.URL+"/start/news/es")
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Created {
		t.Error("second start should not create")
	}
}

func TestHandler_Manifest_lifecycle(t *testing.T) {
	svc, srv := newTestServer(t)
	manifest := srv.URL + "/hls/news/es/index.m3u8"

	do(t, http.MethodPost, srv.URL+"/start/news/es")
	if resp := do(t, http.MethodHead, manifest); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("HEAD before first segment: expected 404, got %d", resp.StatusCode)
	}

	_, _ = svc.Produce(news)
	resp := do(t, http.MethodHead, manifest)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HEAD after first segment: expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	resp = do(t, http.MethodGet, manifest)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "0.ts") {
		t.Errorf("playlist body:\n%s", body)
	}

	seg := do(t, http.MethodGet, srv.URL+"/hls/news/es/0.ts")
	if seg.StatusCode != http.StatusOK || seg.Header.Get("Content-Type") != segmentContentType {
		t.Errorf("segment: status=%d type=%q", seg.StatusCode, seg.Header.Get("Content-Type"))
	}
	if resp := do(t, http.MethodGet, srv.URL+"/hls/news/es/9.ts"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing segment: expected 404, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/hls/news/es/zero.ts"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("bad segment name: expected 404, got %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/streams/news/es/end"); resp.StatusCode != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, manifest)
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "#EXT-X-ENDLIST") {
		t.Errorf("ended playlist:\n%s", body)
	}
}

func TestHandler_StreamLogs_SSE(t *testing.T) {
	svc, srv := newTestServer(t)
	_, _ = svc.Start(news)
	_, _ = svc.Produce(news)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/logs/news/es", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var ids, data []string
	for sc.Scan() && len(data) < 2 {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(ids) != 2 || ids[0] != "3" || ids[1] != "4" {
		t.Errorf("resumed ids = %v, want [3 4]", ids)
	}
	if len(data) != 2 || data[1] != "[news/es] tts: segment 0 ready (2.0s)" {
		t.Errorf("data = %v", data)
	}
}

func TestHandler_StreamLogs_WebSocket(t *testing.T) {
	svc, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/logs/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _ = svc.Start(news)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.ID != "1" || !strings.HasPrefix(frame.Text, "[news/es] pipeline starting") {
		t.Errorf("frame = %+v", frame)
	}
}
