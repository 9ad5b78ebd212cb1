package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/config"
	"github.com/blackwell-systems/extmon/internal/output"
	"github.com/blackwell-systems/extmon/internal/watcher"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status and store health",
	Long: `Display the current status of the extmon daemon and its store.

Shows:
  • Daemon running status and PID
  • Storage backend and location
  • Whether the store can be opened (and why not)
  • Number of extensions tracked
  • Time of the last stored update

This command helps verify that monitoring is working correctly.`,
	Example: `  # Check status
  extmon status`,
	RunE: runStatus,
}

func init() {
	// Register with root command
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	pidFile, err := getDefaultPIDFile()
	if err != nil {
		return fmt.Errorf("failed to get PID file path: %w", err)
	}

	s, err := collectStatus(commandContext(cmd), cfg, pidFile)
	if err != nil {
		return err
	}
	return showStatus(cmd.OutOrStdout(), s, time.Now())
}

// collectStatus gathers daemon and store state. A store that cannot be
// opened is reported in Status.StoreErr, not returned.
func collectStatus(ctx context.Context, cfg *config.Config, pidFile string) (output.Status, error) {
	running, pid, err := watcher.DaemonPID(pidFile)
	if err != nil {
		return output.Status{}, fmt.Errorf("failed to check daemon status: %w", err)
	}

	s := output.Status{
		DaemonRunning: running,
		PID:           pid,
		Backend:       cfg.Backend,
		StorePath:     cfg.StorePath(),
		Feed:          cfg.Feed,
		Profile:       cfg.Profile,
	}

	st, err := openStore(ctx, cfg, 0)
	if err != nil {
		s.StoreErr = err
		return s, nil
	}
	defer st.Close()

	snap, err := st.GetStore(ctx)
	if err != nil {
		s.StoreErr = err
		return s, nil
	}
	s.Extensions = len(snap.Extensions)
	s.LastUpdated = snap.LastUpdated
	return s, nil
}

func showStatus(w io.Writer, s output.Status, now time.Time) error {
	fmt.Fprintln(w)
	_, err := io.WriteString(w, output.RenderStatus(s, now))
	if err != nil {
		return err
	}
	if !s.DaemonRunning {
		fmt.Fprintln(w, "\nRun 'extmon watch --daemon' to start monitoring.")
	}
	fmt.Fprintln(w)
	return nil
}
