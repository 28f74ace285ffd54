package cmd

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"livedub/internal/hlsclient"
	"livedub/internal/logtail"
	"livedub/internal/pipeline"
	"livedub/internal/platform/config"
	"livedub/internal/platform/metrics"
	"livedub/internal/player"
	"livedub/internal/probe"
	"livedub/internal/session"
)

const triggerTimeout = 15 * time.Second

// sessionOptions carries the command-specific hooks for newOrchestrator.
type sessionOptions struct {
	Output  io.Writer
	OnEntry func(key logtail.Key, e logtail.Entry)
}

// newOrchestrator wires a session orchestrator from cfg.
func newOrchestrator(cfg *config.Config, log *slog.Logger, met *metrics.Metrics, opts sessionOptions) (*session.Orchestrator, error) {
	scope, err := logtail.ParseScope(cfg.Logs.Scope)
	if err != nil {
		return nil, err
	}
	var transport logtail.Transport = &logtail.SSETransport{Client: &http.Client{}}
	if cfg.Logs.Transport == "websocket" {
		transport = &logtail.WebSocketTransport{}
	}

	tail := logtail.New(logtail.Options{
		BaseURL:   cfg.Logs.BaseURL,
		Scope:     scope,
		Transport: transport,
		Filter: func(key logtail.Key, text string) bool {
			return strings.Contains(text, "["+key.Channel+"/"+key.Lang+"]")
		},
		Reconnect: cfg.Logs.Reconnect,
		OnEntry: func(key logtail.Key, e logtail.Entry) {
			met.IncLogEntries()
			if opts.OnEntry != nil {
				opts.OnEntry(key, e)
			}
		},
		OnClose: func(key logtail.Key, err error) {
			if err != nil {
				log.Warn("log stream ended",
					slog.String("channel", key.Channel),
					slog.String("lang", key.Lang),
					slog.String("error", err.Error()))
			}
		},
		Log: log,
	})

	return session.New(session.Config{
		HLSBaseURL:        cfg.HLS.BaseURL,
		ProbeInterval:     cfg.Probe.Interval,
		ProbeTimeout:      cfg.Probe.Timeout,
		MaxNetworkRetries: cfg.Player.MaxNetworkRetries,
	}, session.Deps{
		Starter:  pipeline.NewStarter(cfg.API.BaseURL, &http.Client{Timeout: triggerTimeout}, log),
		Checker:  probe.NewHTTPChecker(cfg.Probe.Verify),
		Logs:     tail,
		Sink:     player.NewFileSink(opts.Output),
		Factory:  hlsclient.NewFactory(hlsclient.Options{Log: log}),
		Observer: met,
		Log:      log,
	}), nil
}
