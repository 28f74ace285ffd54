package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"livedub/internal/logtail"
	"livedub/internal/platform/metrics"
	"livedub/internal/session"

	"github.com/spf13/cobra"
)

var errSessionFailed = errors.New("session failed")

var watchCmd = &cobra.Command{
	Use:   "watch <channel> <lang>",
	Short: "Start a dubbing session and play it until interrupted",
	Long: `Start the pipeline for a channel and language, wait for its manifest
and write the played stream to --player-output. Status changes and pipeline
log lines are printed to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := os.Create(cfg.Player.Output)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()

	stdout := cmd.OutOrStdout()
	var printMu sync.Mutex
	printf := func(format string, a ...any) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(stdout, format, a...)
	}

	orch, err := newOrchestrator(cfg, log, metrics.New(), sessionOptions{
		Output: out,
		OnEntry: func(_ logtail.Key, e logtail.Entry) {
			printf("log    %s\n", e.Text)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan session.Update, 1)
	cancelWatch := orch.Watch(func(u session.Update) {
		line := u.Status.String()
		if u.Reason != "" {
			line += " (" + u.Reason + ")"
		}
		if u.Detail != "" {
			line += ": " + u.Detail
		}
		printf("status %s\n", line)
		if u.Status == session.StatusFailed {
			select {
			case failed <- u:
			default:
			}
		}
	})
	defer cancelWatch()

	if err := orch.Start(args[0], args[1]); err != nil {
		return err
	}
	log.Info("watching", slog.String("channel", args[0]), slog.String("lang", args[1]),
		slog.String("output", cfg.Player.Output))

	select {
	case <-ctx.Done():
		log.Info("interrupted, stopping session")
		orch.Stop()
		return nil
	case u := <-failed:
		orch.Stop()
		return fmt.Errorf("%w: %s", errSessionFailed, u.Reason)
	}
}

