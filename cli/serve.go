package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaykit/sessionbus/config"
	"github.com/relaykit/sessionbus/hub"
	"github.com/relaykit/sessionbus/sweeper"
	"github.com/relaykit/sessionbus/writer"
)

// NewServeCmd creates the "serve" subcommand: it wires Store, Writer, and
// Hub, optionally starts an in-process Sweeper schedule, and blocks until
// an interrupt signal, then drains and shuts down. It does not expose an
// HTTP listener — the SSE wire handler and publish/subscribe endpoints
// are host-owned per §1's boundary list; a host embeds this engine rather
// than running it standalone in most deployments.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session pub/sub engine until interrupted",
		RunE:  runServe,
	}

	addStoreFlags(cmd)
	cmd.Flags().String("config", "", "Path to a YAML config file overriding defaults")
	cmd.Flags().String("sweep-cron", "", "UTC cron expression for an in-process Sweeper schedule (optional)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeStore()
	}()

	logger := slog.Default()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	hook, shutdownTelemetry, err := setupTelemetry(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "setting up telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(cmd.Context())
	}()

	writerCfg := cfg.WriterConfig()
	writerCfg.Logger = logger
	writerCfg.Hook = hook
	w := writer.New(st, writerCfg)

	subscriberCfg := cfg.SubscriberConfig()
	subscriberCfg.Logger = logger
	subscriberCfg.Hook = hook
	h := hub.New(st, w, hub.Config{SubscriberConfig: subscriberCfg, Logger: logger})

	sweepCron, _ := cmd.Flags().GetString("sweep-cron")
	var schedule *sweeper.Schedule
	if sweepCron != "" {
		sw := sweeper.New(st, cfg.SweeperConfig())
		schedule, err = sweeper.NewSchedule(sw, sweepCron)
		if err != nil {
			return exitError(exitConfig, "invalid sweep-cron: %v", err)
		}
		schedule.Start()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.OutOrStdout(), "sessionbus engine running, press ctrl-c to stop")
	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")

	if schedule != nil {
		schedule.Stop()
	}
	h.Shutdown()
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	return cfg, nil
}
