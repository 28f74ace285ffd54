package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livedub/internal/controlapi"
	"livedub/internal/platform/metrics"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session control API",
	Long: `Serve an HTTP API that starts, stops and reports on a single dubbing
session. The played stream is written to --player-output.

Endpoints:
  POST   /session/{channel}/{lang}
  GET    /session
  DELETE /session
  GET    /session/logs?since=N
  GET    /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("server-port", 8080, "control API port")
	serveCmd.Flags().Int("start-limit", controlapi.DefaultStartLimit.Requests, "session starts allowed per client per minute")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := os.Create(cfg.Player.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	met := metrics.New()
	orch, err := newOrchestrator(cfg, log, met, sessionOptions{Output: out})
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("start-limit")
	h := controlapi.NewHandler(orch, log, met).
		WithStartLimit(controlapi.StartLimit{Requests: limit, Window: time.Minute})

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: h.Router()}
	return serveUntilSignal(cmd, log, srv, orch.Stop, slog.String("addr", srv.Addr), slog.String("api", cfg.API.BaseURL), slog.String("log_level", cfg.Logging.Level))
}

// serveUntilSignal runs srv until SIGINT or SIGTERM. release runs before the
// server drains so long-lived responses can end.
func serveUntilSignal(cmd *cobra.Command, log *slog.Logger, srv *http.Server, release func(), attrs ...any) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", attrs...)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")

		release()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}
