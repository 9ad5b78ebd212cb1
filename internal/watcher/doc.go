// Package watcher runs the extension monitor.
//
// The Watcher resyncs the extension registry on startup and whenever the
// browser profile changes, reads new lines of the request feed on a ticker,
// and records performance samples on a second ticker. All writes for one
// extension go through the shared per-extension queue, so the three loops
// never interleave read-modify-write cycles on the same record.
//
// Key features:
//   - Profile change detection via fsnotify (no browser cooperation needed)
//   - Crash-safe feed offset tracking (temp file + rename pattern)
//   - Final feed flush on shutdown
//   - Daemon mode support with PID file management
//   - Graceful shutdown with SIGTERM/SIGINT handling
//
// Example usage:
//
//	w, err := watcher.New(watcher.Options{
//		Lifecycle:    ingestor,
//		Host:         hostWatcher,
//		Feed:         processor,
//		PollInterval: 30 * time.Second,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Run in the foreground until ctx is cancelled
//	if err := w.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	// Or start as daemon
//	if err := watcher.StartDaemon("/tmp/extmon.pid", "/tmp/extmon.log"); err != nil {
//		log.Fatal(err)
//	}
package watcher
