// Package cmd implements the livedub commands.
package cmd

import (
	"fmt"
	"log/slog"

	"livedub/internal/platform/config"
	"livedub/internal/platform/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "livedub",
	Short: "Watch live dubbed streams produced by a translation pipeline",
	Long: `livedub starts a remote dubbing pipeline for a channel and language,
waits for its HLS manifest to appear, plays the stream and follows the
pipeline's log.

Settings come from livedub.yaml, .env, LIVEDUB_* environment variables and
flags, in increasing order of priority.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	d := viper.New()
	config.SetDefaults(d)

	fs := rootCmd.PersistentFlags()
	fs.StringVar(&cfgFile, "config", "", "config file (default is ./livedub.yaml)")
	fs.String("logging-level", d.GetString("logging.level"), "log level (debug, info, warn, error)")
	fs.String("logging-format", d.GetString("logging.format"), "log format (text, json)")
	fs.String("api-base-url", d.GetString("api.base_url"), "pipeline control endpoint")
	fs.String("hls-base-url", d.GetString("hls.base_url"), "prefix of /{channel}/{lang}/index.m3u8")
	fs.String("logs-base-url", d.GetString("logs.base_url"), "pipeline log endpoint")
	fs.String("logs-scope", d.GetString("logs.scope"), "log scope (session, shared)")
	fs.String("logs-transport", d.GetString("logs.transport"), "log transport (sse, websocket)")
	fs.Bool("logs-reconnect", d.GetBool("logs.reconnect"), "reopen the log stream after it drops")
	fs.Duration("probe-interval", d.GetDuration("probe.interval"), "delay between manifest checks")
	fs.Duration("probe-timeout", d.GetDuration("probe.timeout"), "give up waiting for the manifest after this long (0 waits forever)")
	fs.Bool("probe-verify", d.GetBool("probe.verify"), "require a parseable playlist before playing")
	fs.Int("player-max-network-retries", d.GetInt("player.max_network_retries"), "stream reloads before playback fails")
	fs.String("player-output", d.GetString("player.output"), "file receiving the played MPEG-TS")
}

// loadConfig resolves settings for cmd and builds its logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	return cfg, log, nil
}

