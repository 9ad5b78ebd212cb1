// Package output provides terminal output utilities for extmon.
//
// This package includes:
//   - Table rendering for the stored extension snapshot and single records
//   - A spinner for waits of unknown length (opening the store, resync)
//   - Human-readable formatting for counts, sizes and relative times
//
// Tables use ASCII layout and ANSI color codes when stdout is a terminal.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/stats"
)

// ANSI color codes for status display
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled,
// otherwise returns the plain text.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderExtensionTable renders one row per stored extension, busiest first.
func RenderExtensionTable(snap extension.StoreSnapshot, now time.Time) string {
	if len(snap.Extensions) == 0 {
		return "No extensions tracked yet.\n"
	}

	rows := make([]extension.CombinedStats, 0, len(snap.Extensions))
	for _, cs := range snap.Extensions {
		rows = append(rows, cs)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Network.TotalRequests, rows[j].Network.TotalRequests
		if a != b {
			return a > b
		}
		return rows[i].Extension.ID < rows[j].Extension.ID
	})

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%-24s %-10s %-9s %10s %8s  %-24s %s\n",
		"Extension", "Version", "Status", "Requests", "Domains", "Top Domain", "Last Request"))
	sb.WriteString(strings.Repeat("─", 108))
	sb.WriteString("\n")

	for _, cs := range rows {
		top := "-"
		if d := stats.TopDomains(cs.Network, 1); len(d) > 0 {
			top = d[0].Name
		}
		last := "never"
		if cs.Network.TotalRequests > 0 {
			last = formatRelativeTime(cs.Network.LastRequest, now)
		}

		sb.WriteString(fmt.Sprintf("%-24s %-10s %s %10s %8s  %-24s %s\n",
			truncate(cs.Extension.DisplayName(), 24),
			truncate(cs.Extension.Version, 10),
			formatStatus(cs.Extension),
			humanize.Comma(int64(cs.Network.TotalRequests)),
			humanize.Comma(int64(len(cs.Network.RequestsByDomain))),
			truncate(top, 24),
			last))
	}

	return sb.String()
}

// formatStatus returns the padded, colored enabled/disabled label.
func formatStatus(ext extension.TrackedExtension) string {
	label := fmt.Sprintf("%-9s", "enabled")
	color := colorGreen
	if !ext.Enabled {
		label = fmt.Sprintf("%-9s", "disabled")
		color = colorGray
	}
	return colorize(color, label)
}

// RenderSummary renders the totals line and the most requested permissions.
func RenderSummary(snap extension.StoreSnapshot, now time.Time) string {
	t := stats.Summarize(snap)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Extensions: %d (%d enabled)   Requests: %s   Domains: %s   Updated: %s\n",
		t.Extensions,
		t.Enabled,
		humanize.Comma(int64(t.Requests)),
		humanize.Comma(int64(t.Domains)),
		formatRelativeTime(snap.LastUpdated, now)))

	perms := stats.TopPermissions(snap, 5)
	if len(perms) > 0 {
		names := make([]string, len(perms))
		for i, p := range perms {
			names[i] = fmt.Sprintf("%s (%d)", p.Name, p.Count)
		}
		sb.WriteString("Top permissions: " + strings.Join(names, ", ") + "\n")
	}
	return sb.String()
}

// RenderExtensionDetail renders everything stored for one extension.
func RenderExtensionDetail(cs extension.CombinedStats, now time.Time) string {
	ext := cs.Extension
	ns := cs.Network

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%s)\n", ext.DisplayName(), ext.ID))
	sb.WriteString(strings.Repeat("─", 60))
	sb.WriteString("\n")

	field := func(name, value string) {
		if value == "" {
			value = "-"
		}
		sb.WriteString(fmt.Sprintf("%-18s %s\n", name+":", value))
	}

	field("Version", ext.Version)
	field("Status", strings.TrimSpace(formatStatus(ext)))
	field("Type", ext.Type)
	field("Install type", ext.InstallType)
	field("Description", ext.Description)
	field("Permissions", strings.Join(ext.Permissions, ", "))
	field("Host permissions", strings.Join(ext.HostPermissions, ", "))
	field("Metadata synced", formatRelativeTime(ext.LastUpdated, now))
	field("Tracked since", formatRelativeTime(ns.FirstTracked, now))

	sb.WriteString("\n")
	field("Requests", humanize.Comma(int64(ns.TotalRequests)))
	if ns.TotalRequests > 0 {
		field("Last request", formatRelativeTime(ns.LastRequest, now))
	}

	if len(ns.RequestsByType) > 0 {
		sb.WriteString("\nBy type:\n")
		for _, c := range sortedTypes(ns.RequestsByType) {
			sb.WriteString(fmt.Sprintf("  %-16s %10s  %s\n",
				c.Name, humanize.Comma(int64(c.Count)), share(c.Count, ns.TotalRequests)))
		}
	}

	if domains := stats.TopDomains(ns, 10); len(domains) > 0 {
		sb.WriteString("\nTop domains:\n")
		for _, c := range domains {
			sb.WriteString(fmt.Sprintf("  %-32s %10s  %s\n",
				truncate(c.Name, 32), humanize.Comma(int64(c.Count)), share(c.Count, ns.TotalRequests)))
		}
	}

	if perf := cs.Performance; perf.Updates > 0 {
		sb.WriteString("\n")
		field("CPU", fmt.Sprintf("%.1f%%", perf.CPU))
		field("Memory", humanize.IBytes(perf.Memory))
		field("Sampled", fmt.Sprintf("%s (%s samples)", formatRelativeTime(perf.LastUpdated, now), humanize.Comma(int64(perf.Updates))))
	}

	return sb.String()
}

func sortedTypes(m map[extension.ResourceType]uint64) []stats.Count {
	out := make([]stats.Count, 0, len(m))
	for k, v := range m {
		out = append(out, stats.Count{Name: string(k), Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// share formats n as a percentage of total.
func share(n, total uint64) string {
	if total == 0 {
		return ""
	}
	return fmt.Sprintf("%5.1f%%", float64(n)*100/float64(total))
}

// Status is what `extmon status` reports.
type Status struct {
	DaemonRunning bool
	PID           int
	Backend       string
	StorePath     string
	StoreErr      error
	Extensions    int
	LastUpdated   time.Time
	Feed          string
	Profile       string
}

// RenderStatus renders the daemon and store status block.
func RenderStatus(s Status, now time.Time) string {
	var sb strings.Builder

	daemon := colorize(colorYellow, "stopped")
	if s.DaemonRunning {
		daemon = colorize(colorGreen, fmt.Sprintf("running (PID %d)", s.PID))
	}
	sb.WriteString(fmt.Sprintf("%-12s %s\n", "Daemon:", daemon))
	sb.WriteString(fmt.Sprintf("%-12s %s (%s)\n", "Store:", s.Backend, s.StorePath))

	if s.StoreErr != nil {
		sb.WriteString(fmt.Sprintf("%-12s %s\n", "", colorize(colorRed, "unavailable: "+s.StoreErr.Error())))
	} else {
		sb.WriteString(fmt.Sprintf("%-12s %d\n", "Extensions:", s.Extensions))
		sb.WriteString(fmt.Sprintf("%-12s %s\n", "Updated:", formatRelativeTime(s.LastUpdated, now)))
	}
	if s.Profile != "" {
		sb.WriteString(fmt.Sprintf("%-12s %s\n", "Profile:", s.Profile))
	}
	if s.Feed != "" {
		sb.WriteString(fmt.Sprintf("%-12s %s\n", "Feed:", s.Feed))
	}
	return sb.String()
}

// formatRelativeTime formats t relative to now, e.g. "3 minutes ago".
func formatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if d := now.Sub(t); d >= 0 && d < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// truncate shortens s to maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
