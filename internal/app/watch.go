package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/config"
	"github.com/blackwell-systems/extmon/internal/feed"
	"github.com/blackwell-systems/extmon/internal/host"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/output"
	"github.com/blackwell-systems/extmon/internal/sampler"
	"github.com/blackwell-systems/extmon/internal/store"
	"github.com/blackwell-systems/extmon/internal/watcher"
)

// stopTimeout is how long `watch --stop` waits for the daemon to exit.
const stopTimeout = 10 * time.Second

var (
	watchDaemon      bool
	watchDaemonChild bool
	watchPIDFile     string
	watchLogFile     string
	watchStop        bool
	watchMetricsAddr string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Monitor extension activity",
		Long: `Start monitoring installed browser extensions.

The watch command keeps the extension registry in sync with the browser
profile, counts every request in the request feed against the extension that
made it, and records CPU and memory samples.

Watch modes:
  • Foreground (default): Run in current terminal with Ctrl+C to stop
  • Daemon: Run as background process
  • Stop: Stop a running daemon

The watcher tracks:
  • Installs, uninstalls, enables and disables (profile changes)
  • Requests by domain and resource type (request feed)
  • CPU and memory use (performance probe, if configured)

The request feed is read periodically (every 30 seconds by default, see
poll_interval in config.yaml).`,
		Example: `  # Run in foreground (Ctrl+C to stop)
  extmon watch

  # Run as background daemon
  extmon watch --daemon

  # Stop running daemon
  extmon watch --stop

  # Expose Prometheus counters
  extmon watch --metrics-addr 127.0.0.1:9464

  # Use custom PID and log files
  extmon watch --daemon --pid-file /tmp/watch.pid --log-file /tmp/watch.log`,
		RunE: runWatch,
	}
)

func init() {
	watchCmd.Flags().BoolVar(&watchDaemon, "daemon", false, "run as background daemon")
	watchCmd.Flags().BoolVar(&watchDaemonChild, "daemon-child", false, "internal flag for daemon child process")
	watchCmd.Flags().StringVar(&watchPIDFile, "pid-file", "", "PID file path (default: ~/.extmon/watch.pid)")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "log file path (default: ~/.extmon/watch.log)")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "stop running daemon")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	// Hide the internal daemon-child flag from help
	watchCmd.Flags().MarkHidden("daemon-child") //nolint:errcheck
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchDaemon && watchStop {
		return fmt.Errorf("--daemon and --stop are mutually exclusive")
	}

	if watchPIDFile == "" {
		defaultPID, err := getDefaultPIDFile()
		if err != nil {
			return fmt.Errorf("failed to get default PID file path: %w", err)
		}
		watchPIDFile = defaultPID
	}

	if watchLogFile == "" {
		defaultLog, err := getDefaultLogFile()
		if err != nil {
			return fmt.Errorf("failed to get default log file path: %w", err)
		}
		watchLogFile = defaultLog
	}

	if watchStop {
		return stopWatchDaemon()
	}
	if watchDaemon {
		return startWatchDaemon()
	}

	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(commandContext(cmd))
	defer stop()

	var spinner *output.Spinner
	if !watchDaemonChild {
		spinner = output.NewSpinner("Opening store")
		spinner.Start()
	}
	st, err := openStore(ctx, cfg, cfg.OpenRetries)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		st, err = degradedStore(cfg, err)
		if err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	mon, err := newMonitor(cfg, st, reg)
	if err != nil {
		st.Close()
		return err
	}
	defer mon.Close()

	w, closeHost, err := buildWatcher(cfg, mon)
	if err != nil {
		return err
	}
	defer closeHost()

	if watchMetricsAddr != "" {
		srv := serveMetrics(watchMetricsAddr, reg)
		defer shutdownMetrics(srv)
	}

	if watchDaemonChild {
		// stdout/stderr are redirected to the log file here
		return w.RunDaemon(ctx, watchPIDFile)
	}
	return runWatchForeground(ctx, cmd, cfg, w)
}

// degradedStore keeps watch running when the store stayed unavailable after
// the startup retries. The first operation on the returned adapter makes one
// more open attempt; after that events are dropped and counted. A wrong
// passphrase is not retried.
func degradedStore(cfg *config.Config, openErr error) (store.Adapter, error) {
	if !errors.Is(openErr, store.ErrStorageUnavailable) || errors.Is(openErr, store.ErrBadPassphrase) {
		return nil, openErr
	}
	logging.Component("watch").Warn("stats unavailable, continuing without storage", "err", openErr)
	return store.New(store.Options{
		Backend:    cfg.Backend,
		Path:       cfg.StorePath(),
		Passphrase: cfg.Passphrase(),
	})
}

// buildWatcher wires the host watcher, request feed and sampler around mon.
// The host watcher is optional: a missing profile directory only disables
// change detection.
func buildWatcher(cfg *config.Config, mon *monitor) (*watcher.Watcher, func(), error) {
	log := logging.Component("watch")
	closeHost := func() {}

	opts := watcher.Options{
		Lifecycle:      mon.ingestor,
		PollInterval:   cfg.PollInterval,
		SampleInterval: cfg.SampleInterval,
	}

	hw, err := host.NewWatcher(mon.profile, quartz.NewReal(), host.DefaultDebounce)
	if err != nil {
		log.Warn("profile changes will not be detected", "profile", cfg.Profile, "err", err)
	} else {
		opts.Host = hw
		closeHost = func() { hw.Close() }
	}

	proc, err := feed.NewProcessor(cfg.Feed, mon.ingestor, mon.metrics)
	if err != nil {
		closeHost()
		return nil, nil, fmt.Errorf("failed to create feed processor: %w", err)
	}
	opts.Feed = proc

	if cfg.SampleInterval > 0 && cfg.PerfSource != "" {
		s, err := sampler.New(sampler.Options{
			Source:   sampler.NewFileSource(cfg.PerfSource),
			Registry: mon.registry,
			Store:    mon.store,
			Queue:    mon.queue,
			Metrics:  mon.metrics,
		})
		if err != nil {
			closeHost()
			return nil, nil, fmt.Errorf("failed to create sampler: %w", err)
		}
		opts.Sampler = s
	}

	w, err := watcher.New(opts)
	if err != nil {
		closeHost()
		return nil, nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return w, closeHost, nil
}

// metricsHandler serves reg on /metrics.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}

	log := logging.Component("metrics")
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx) //nolint:errcheck
}

func stopWatchDaemon() error {
	running, err := watcher.IsDaemonRunning(watchPIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}

	if !running {
		fmt.Println("Daemon is not running")
		return nil
	}

	spinner := output.NewSpinner("Stopping daemon")
	spinner.Start()
	if err := watcher.StopDaemon(watchPIDFile, stopTimeout); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon stopped")
	return nil
}

func startWatchDaemon() error {
	running, err := watcher.IsDaemonRunning(watchPIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		fmt.Printf("Daemon already running (PID file: %s). Nothing to do.\n", watchPIDFile)
		return nil
	}

	args := append(forwardedFlags(), "--pid-file", watchPIDFile)
	if watchMetricsAddr != "" {
		args = append(args, "--metrics-addr", watchMetricsAddr)
	}

	spinner := output.NewSpinner("Starting daemon")
	spinner.Start()
	if err := watcher.StartDaemon(watchPIDFile, watchLogFile, args...); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon started")

	fmt.Printf("\nExtension monitor started\n")
	fmt.Printf("  PID file: %s\n", watchPIDFile)
	fmt.Printf("  Log file: %s\n", watchLogFile)
	fmt.Printf("\nTo stop: extmon watch --stop\n")
	return nil
}

func runWatchForeground(ctx context.Context, cmd *cobra.Command, cfg *config.Config, w *watcher.Watcher) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting extension monitor (press Ctrl+C to stop)...")
	fmt.Fprintf(out, "  Profile: %s\n", cfg.Profile)
	fmt.Fprintf(out, "  Feed:    %s (every %s)\n", cfg.Feed, cfg.PollInterval)
	fmt.Fprintln(out)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("watcher failed: %w", err)
	}

	fmt.Fprintln(out, "\nExtension monitor stopped")
	return nil
}

