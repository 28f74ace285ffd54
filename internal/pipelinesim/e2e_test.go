package pipelinesim_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"livedub/internal/hlsclient"
	"livedub/internal/logtail"
	"livedub/internal/pipeline"
	"livedub/internal/pipelinesim"
	"livedub/internal/platform/logger"
	"livedub/internal/player"
	"livedub/internal/probe"
	"livedub/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// TestSessionAgainstSimulatedPipeline runs the whole client stack against
// the simulator over real HTTP.
func TestSessionAgainstSimulatedPipeline(t *testing.T) {
	for _, transport := range []string{"sse", "websocket"} {
		t.Run(transport, func(t *testing.T) {
			log := logger.Discard()
			svc := pipelinesim.NewService(pipelinesim.NewInMemoryRepository(), pipelinesim.Options{
				SegmentDuration: 100 * time.Millisecond,
				Warmup:          250 * time.Millisecond,
			})
			h := pipelinesim.NewHandler(svc, log, nil)
			srv := httptest.NewServer(h.Router())
			defer func() {
				h.Close()
				srv.Close()
				_ = svc.Close()
			}()

			client := &http.Client{Transport: &http.Transport{}, Timeout: 5 * time.Second}
			var tr logtail.Transport = &logtail.SSETransport{Client: &http.Client{Transport: &http.Transport{}}}
			if transport == "websocket" {
				tr = &logtail.WebSocketTransport{}
			}
			out := &syncBuffer{}
			sink := player.NewFileSink(out)

			orch := session.New(session.Config{
				HLSBaseURL:    srv.URL + "/hls",
				ProbeInterval: 50 * time.Millisecond,
				ProbeTimeout:  5 * time.Second,
			}, session.Deps{
				Starter: pipeline.NewStarter(srv.URL, client, log),
				Checker: &probe.HTTPChecker{Client: client},
				Logs:    logtail.New(logtail.Options{BaseURL: srv.URL, Transport: tr, Log: log}),
				Sink:    sink,
				Factory: hlsclient.NewFactory(hlsclient.Options{HTTPClient: client, PollInterval: 50 * time.Millisecond, Log: log}),
				Log:     log,
			})

			var mu sync.Mutex
			var statuses []session.Status
			orch.Watch(func(u session.Update) {
				mu.Lock()
				defer mu.Unlock()
				if n := len(statuses); n == 0 || statuses[n-1] != u.Status {
					statuses = append(statuses, u.Status)
				}
			})

			require.NoError(t, orch.Start("news", "es"))
			require.Eventually(t, func() bool {
				return orch.Status().Status == session.StatusPlaying && out.Len() > 0
			}, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool {
				for _, e := range orch.Logs(0) {
					if strings.Contains(e.Text, "tts: segment") {
						return true
					}
				}
				return false
			}, 5*time.Second, 10*time.Millisecond)

			orch.Stop()
			assert.Equal(t, 1, sink.Detaches())
			assert.True(t, strings.HasPrefix(orch.Logs(0)[0].Text, "[news/es] pipeline starting"))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(statuses) > 0 && statuses[len(statuses)-1] == session.StatusIdle
			}, time.Second, 5*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []session.Status{
				session.StatusStarting,
				session.StatusWaiting,
				session.StatusPlaying,
				session.StatusIdle,
			}, statuses)
		})
	}
}
