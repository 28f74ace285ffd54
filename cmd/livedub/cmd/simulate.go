package cmd

import (
	"log/slog"
	"net/http"
	"strconv"

	"livedub/internal/pipelinesim"
	"livedub/internal/platform/config"
	"livedub/internal/platform/metrics"

	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local stand-in for the dubbing pipeline",
	Long: `Serve the pipeline's HTTP surface locally: the start endpoint, a live HLS
stream per channel and language, and SSE or WebSocket log streams. Point
--api-base-url, --hls-base-url and --logs-base-url at it to try livedub
without a real pipeline.

Defaults can also be set with SIM_PORT, SLIDING_WINDOW_SIZE,
SEGMENT_DURATION and SIM_WARMUP.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	_ = config.LoadEnv()

	fs := simulateCmd.Flags()
	fs.Int("port", config.GetEnvInt("SIM_PORT", 8000), "port to listen on")
	fs.Int("window", config.GetEnvInt("SLIDING_WINDOW_SIZE", pipelinesim.DefaultWindowSize), "segments kept in the live playlist")
	fs.Duration("segment-duration", config.GetEnvDuration("SEGMENT_DURATION", pipelinesim.DefaultSegmentDuration), "duration of each produced segment")
	fs.Duration("warmup", config.GetEnvDuration("SIM_WARMUP", pipelinesim.DefaultWarmup), "delay before the first segment appears")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	port, _ := fs.GetInt("port")
	window, _ := fs.GetInt("window")
	segDur, _ := fs.GetDuration("segment-duration")
	warmup, _ := fs.GetDuration("warmup")

	svc := pipelinesim.NewService(pipelinesim.NewInMemoryRepository(), pipelinesim.Options{
		WindowSize:      window,
		SegmentDuration: segDur,
		Warmup:          warmup,
		Log:             log,
	})
	h := pipelinesim.NewHandler(svc, log, metrics.New())

	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: h.Router()}
	defer svc.Close()
	return serveUntilSignal(cmd, log, srv, h.Close,
		slog.Int("port", port),
		slog.Int("sliding_window_size", window),
		slog.String("segment_duration", segDur.String()),
		slog.String("log_level", cfg.Logging.Level),
	)
}
