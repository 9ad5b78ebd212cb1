package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/output"
)

var (
	statsJSON      bool
	statsExtension string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collected extension statistics",
	Long: `Display the statistics stored for every tracked extension.

Without flags, shows a summary line and one row per extension, busiest first.
Use --extension to view everything stored for one extension.
Use --json to print the raw store document instead of tables.

Extensions that were uninstalled are still listed with their last counters.`,
	Example: `  # Show all extensions
  extmon stats

  # Show detailed stats for one extension
  extmon stats --extension nmmhkkegccagdldgiimedpiccmgmieda

  # Export everything as JSON
  extmon stats --json > extmon.json`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print the store as JSON")
	statsCmd.Flags().StringVar(&statsExtension, "extension", "", "show stats for a specific extension id")

	// Register with root command
	RootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	st, err := openStore(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.GetStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	return showStats(cmd.OutOrStdout(), snap, statsExtension, statsJSON, time.Now())
}

// showStats renders snap, or the single record id when id is not empty.
func showStats(w io.Writer, snap extension.StoreSnapshot, id string, asJSON bool, now time.Time) error {
	if id != "" {
		cs, ok := snap.Extensions[id]
		if !ok {
			return fmt.Errorf("no statistics for extension %q (run 'extmon resync' to pick up new extensions)", id)
		}
		if asJSON {
			return writeJSON(w, cs)
		}
		_, err := io.WriteString(w, output.RenderExtensionDetail(cs, now))
		return err
	}

	if asJSON {
		return writeJSON(w, snap)
	}

	var sb strings.Builder
	sb.WriteString(output.RenderSummary(snap, now))
	sb.WriteString("\n")
	sb.WriteString(output.RenderExtensionTable(snap, now))
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
