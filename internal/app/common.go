package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/config"
	"github.com/blackwell-systems/extmon/internal/host"
	"github.com/blackwell-systems/extmon/internal/ingest"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/registry"
	"github.com/blackwell-systems/extmon/internal/serial"
	"github.com/blackwell-systems/extmon/internal/store"
)

// openRetryInterval is the first backoff step when the store cannot be
// opened.
const openRetryInterval = 200 * time.Millisecond

// getDataDir returns ~/.extmon, creating it if needed.
func getDataDir() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create extmon directory: %w", err)
	}
	return dir, nil
}

// getDefaultPIDFile returns the default PID file path
func getDefaultPIDFile() (string, error) {
	dir, err := getDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "watch.pid"), nil
}

// getDefaultLogFile returns the default log file path
func getDefaultLogFile() (string, error) {
	dir, err := getDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "watch.log"), nil
}

// commandContext returns cmd's context, or Background when the command was
// not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openStore opens the configured backend, retrying transient failures
// retries times.
func openStore(ctx context.Context, cfg *config.Config, retries uint64) (store.Adapter, error) {
	if cfg.Backend == store.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	open := func() (store.Adapter, error) {
		return store.New(store.Options{
			Backend:    cfg.Backend,
			Path:       cfg.StorePath(),
			Passphrase: cfg.Passphrase(),
		})
	}
	st, err := store.OpenWithRetry(ctx, open, retries, openRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}
	return st, nil
}

// monitor is the set of components shared by watch and resync.
type monitor struct {
	store    store.Adapter
	queue    *serial.Queue
	metrics  *metrics.Metrics
	profile  *host.ChromiumProfile
	registry *registry.Registry
	ingestor *ingest.Ingestor
}

// newMonitor wires the registry and ingestor over st. Counters are
// registered on reg.
func newMonitor(cfg *config.Config, st store.Adapter, reg prometheus.Registerer) (*monitor, error) {
	m := &monitor{
		store:   st,
		queue:   serial.New(),
		metrics: metrics.New(reg),
		profile: host.NewChromiumProfile(cfg.Profile, cfg.SelfID),
	}

	r, err := registry.New(registry.Options{
		Host:        m.profile,
		Store:       st,
		Queue:       m.queue,
		Metrics:     m.metrics,
		Concurrency: cfg.ResyncConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	m.registry = r

	in, err := ingest.New(ingest.Options{
		Registry: r,
		Store:    st,
		Queue:    m.queue,
		Metrics:  m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestor: %w", err)
	}
	m.ingestor = in
	return m, nil
}

// Close drains queued writes and closes the store.
func (m *monitor) Close() error {
	m.queue.Close()
	return m.store.Close()
}
