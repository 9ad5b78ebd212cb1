package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// setupTestEnv points HOME and the config directory at temp dirs and resets
// every package-level flag variable when the test ends. It returns the
// config directory and the home directory.
func setupTestEnv(t *testing.T) (string, string) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("NO_COLOR", "1")

	cfgDir := t.TempDir()

	oldConfig, oldDB, oldBackend, oldLevel := configDir, dbPath, backend, logLevel
	oldJSON, oldExt, oldFeed := statsJSON, statsExtension, resyncFeed
	oldDaemon, oldChild, oldStop := watchDaemon, watchDaemonChild, watchStop
	oldPID, oldLog, oldAddr := watchPIDFile, watchLogFile, watchMetricsAddr
	t.Cleanup(func() {
		configDir, dbPath, backend, logLevel = oldConfig, oldDB, oldBackend, oldLevel
		statsJSON, statsExtension, resyncFeed = oldJSON, oldExt, oldFeed
		watchDaemon, watchDaemonChild, watchStop = oldDaemon, oldChild, oldStop
		watchPIDFile, watchLogFile, watchMetricsAddr = oldPID, oldLog, oldAddr
		RootCmd.SetArgs(nil)
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
	})

	configDir, dbPath, backend, logLevel = "", "", "", ""
	statsJSON, statsExtension, resyncFeed = false, "", false
	watchDaemon, watchDaemonChild, watchStop = false, false, false
	watchPIDFile, watchLogFile, watchMetricsAddr = "", "", ""

	return cfgDir, home
}

func writeTestConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// execute runs RootCmd with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	if args == nil {
		args = []string{}
	}
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&bytes.Buffer{})
	RootCmd.SetArgs(args)
	err := Execute()
	return out.String(), err
}
