package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykit/sessionbus/sweeper"
)

// NewSweepCmd creates the "sweep" subcommand: a single invocation of the
// retention Sweeper, for a host's external job runner (cron, a Kubernetes
// CronJob, systemd timer) to call on a schedule, per §4.5's "not itself a
// long-running component".
func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE:  runSweep,
	}

	addStoreFlags(cmd)
	cmd.Flags().String("config", "", "Path to a YAML config file overriding retention defaults")

	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
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

	sw := sweeper.New(st, cfg.SweeperConfig())
	if err := sw.Run(cmd.Context()); err != nil {
		return exitError(exitRuntime, "sweep failed: %v", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "sweep complete")
	return nil
}
