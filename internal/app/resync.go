package app

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/config"
	"github.com/blackwell-systems/extmon/internal/feed"
	"github.com/blackwell-systems/extmon/internal/output"
)

var (
	resyncFeed bool

	resyncCmd = &cobra.Command{
		Use:   "resync",
		Short: "Sync the extension list from the browser profile",
		Long: `Read every installed extension from the browser profile and store its
metadata. Existing request counters and performance samples are kept.

Extensions that were uninstalled stay in the store with their counters.

With --feed, requests already waiting in the request feed are counted too,
which is useful when the daemon is not running.`,
		Example: `  # Sync the extension list
  extmon resync

  # Sync, then count pending requests
  extmon resync --feed`,
		RunE: runResync,
	}
)

func init() {
	resyncCmd.Flags().BoolVar(&resyncFeed, "feed", false, "also process pending requests in the request feed")
}

func runResync(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	return resync(cmd, cfg, resyncFeed)
}

func resync(cmd *cobra.Command, cfg *config.Config, withFeed bool) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	st, err := openStore(ctx, cfg, cfg.OpenRetries)
	if err != nil {
		return err
	}
	mon, err := newMonitor(cfg, st, prometheus.NewRegistry())
	if err != nil {
		st.Close()
		return err
	}
	defer mon.Close()

	spinner := output.NewSpinner("Reading extensions")
	if out != os.Stdout {
		spinner.SetWriter(out, false)
	}
	spinner.Start()
	err = mon.registry.Resync(ctx)
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("failed to resync extensions: %w", err)
	}
	fmt.Fprintf(out, "✓ %d extensions synced from %s\n", mon.registry.Len(), cfg.Profile)

	if withFeed {
		if err := drainFeed(cmd, cfg, mon, out); err != nil {
			return err
		}
	}
	return nil
}

// drainFeed processes the request feed until no complete lines remain.
func drainFeed(cmd *cobra.Command, cfg *config.Config, mon *monitor, out io.Writer) error {
	proc, err := feed.NewProcessor(cfg.Feed, mon.ingestor, mon.metrics)
	if err != nil {
		return fmt.Errorf("failed to create feed processor: %w", err)
	}

	var total feed.Result
	for {
		res, err := proc.ProcessOnce(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to process request feed: %w", err)
		}
		total.Lines += res.Lines
		total.Handled += res.Handled
		total.Rejected += res.Rejected
		total.Malformed += res.Malformed
		if res.Lines < feed.MaxLinesPerTick {
			break
		}
	}
	mon.ingestor.Wait()

	fmt.Fprintf(out, "✓ %d requests counted", total.Handled)
	if skipped := total.Rejected + total.Malformed; skipped > 0 {
		fmt.Fprintf(out, " (%d skipped)", skipped)
	}
	fmt.Fprintln(out)
	return nil
}
