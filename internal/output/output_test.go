package output

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/blackwell-systems/extmon/internal/extension"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot() extension.StoreSnapshot {
	return extension.StoreSnapshot{
		LastUpdated: now.Add(-2 * time.Minute),
		Extensions: map[string]extension.CombinedStats{
			"quiet": {
				Extension: extension.TrackedExtension{ID: "quiet", Name: "Quiet Helper", Version: "0.1", Enabled: false, Permissions: []string{"storage"}},
				Network: extension.NetworkStats{
					ExtensionID:      "quiet",
					RequestsByType:   map[extension.ResourceType]uint64{},
					RequestsByDomain: map[string]uint64{},
				},
			},
			"busy": {
				Extension: extension.TrackedExtension{
					ID: "busy", Name: "Busy Blocker With A Very Long Name Indeed", Version: "3.2.1", Enabled: true,
					Type: "extension", InstallType: "normal",
					Permissions:     []string{"storage", "tabs"},
					HostPermissions: []string{"<all_urls>"},
					LastUpdated:     now.Add(-time.Hour),
				},
				Network: extension.NetworkStats{
					ExtensionID:      "busy",
					TotalRequests:    12345,
					RequestsByType:   map[extension.ResourceType]uint64{"script": 12000, "image": 345},
					RequestsByDomain: map[string]uint64{"ads.example": 12000, "cdn.example": 345},
					FirstTracked:     now.Add(-48 * time.Hour),
					LastRequest:      now.Add(-3 * time.Hour),
				},
				Performance: extension.PerformanceStats{CPU: 1.5, Memory: 50 << 20, Updates: 4, LastUpdated: now.Add(-30 * time.Second)},
			},
		},
	}
}

func TestRenderExtensionTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	out := RenderExtensionTable(testSnapshot(), now)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("table has %d lines, want header + rule + 2 rows:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[2], "Busy Blocker With A V...") {
		t.Errorf("busiest extension should come first and be truncated: %q", lines[2])
	}
	for _, want := range []string{"12,345", "ads.example", "3 hours ago", "enabled"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("busy row missing %q: %q", want, lines[2])
		}
	}
	if !strings.Contains(lines[3], "disabled") || !strings.Contains(lines[3], "never") {
		t.Errorf("quiet row = %q, want disabled and never", lines[3])
	}
}

func TestRenderExtensionTable_Empty(t *testing.T) {
	out := RenderExtensionTable(extension.StoreSnapshot{}, now)
	if out != "No extensions tracked yet.\n" {
		t.Errorf("empty table = %q", out)
	}
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(testSnapshot(), now)
	for _, want := range []string{"Extensions: 2 (1 enabled)", "Requests: 12,345", "Domains: 2", "2 minutes ago", "storage (2), tabs (1)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRenderExtensionDetail(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	out := RenderExtensionDetail(testSnapshot().Extensions["busy"], now)

	for _, want := range []string{
		"(busy)",
		"Version:           3.2.1",
		"Host permissions:  <all_urls>",
		"Tracked since:     2 days ago",
		"script",
		"97.2%",
		"ads.example",
		"50 MiB",
		"(4 samples)",
		"just now",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "script") > strings.Index(out, "image") {
		t.Error("types should be sorted by count descending")
	}
}

func TestRenderExtensionDetail_NoPerformance(t *testing.T) {
	out := RenderExtensionDetail(testSnapshot().Extensions["quiet"], now)
	if strings.Contains(out, "CPU") || strings.Contains(out, "By type") {
		t.Errorf("detail for an idle extension shows empty sections:\n%s", out)
	}
}

func TestRenderStatus(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	running := RenderStatus(Status{
		DaemonRunning: true, PID: 4242, Backend: "sqlite", StorePath: "/x/extmon.db",
		Extensions: 7, LastUpdated: now.Add(-5 * time.Minute), Profile: "/p",
	}, now)
	for _, want := range []string{"running (PID 4242)", "sqlite (/x/extmon.db)", "Extensions:  7", "5 minutes ago", "Profile:"} {
		if !strings.Contains(running, want) {
			t.Errorf("status missing %q:\n%s", want, running)
		}
	}

	down := RenderStatus(Status{Backend: "encrypted", StoreErr: errors.New("bad passphrase")}, now)
	if !strings.Contains(down, "stopped") || !strings.Contains(down, "unavailable: bad passphrase") {
		t.Errorf("status for a stopped daemon:\n%s", down)
	}
	if strings.Contains(down, "Extensions:") {
		t.Error("status shows a record count for an unavailable store")
	}
}

func TestFormatRelativeTime(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "never"},
		{"just now", now.Add(-30 * time.Second), "just now"},
		{"minutes ago", now.Add(-45 * time.Minute), "45 minutes ago"},
		{"hours ago", now.Add(-3 * time.Hour), "3 hours ago"},
		{"days ago", now.Add(-5 * 24 * time.Hour), "5 days ago"},
		{"future", now.Add(2 * time.Hour), "2 hours from now"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatRelativeTime(tt.t, now); got != tt.want {
				t.Errorf("formatRelativeTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"überlange Namen", 8, "überl..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestSpinner_NonTTYPrintsOnce(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner("Opening store")
	s.SetWriter(&buf, false)

	s.Start()
	s.Start()
	s.StopWithMessage("done")
	s.Stop()

	if got := buf.String(); got != "Opening store...\ndone\n" {
		t.Errorf("non-TTY output = %q", got)
	}
}

func TestSpinner_AnimatesOnClock(t *testing.T) {
	ctx := context.Background()
	mock := quartz.NewMock(t)
	mock.Set(now)

	var buf bytes.Buffer
	s := NewSpinner("Resyncing")
	s.SetWriter(&buf, true)
	s.SetClock(mock)

	s.Start()
	mock.Advance(spinnerInterval).MustWait(ctx)
	mock.Advance(spinnerInterval).MustWait(ctx)
	s.Stop()

	out := buf.String()
	if !strings.Contains(out, "\r|  Resyncing (0s elapsed)") {
		t.Errorf("first frame missing: %q", out)
	}
	if !strings.Contains(out, "\r/  Resyncing (0s elapsed)") {
		t.Errorf("second frame missing: %q", out)
	}
	if !strings.HasSuffix(out, "\r") {
		t.Errorf("Stop() should clear the line: %q", out)
	}
}
