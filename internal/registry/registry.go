// Package registry tracks the set of installed extensions known to the
// monitor and mirrors their metadata into the store.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/host"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/serial"
	"github.com/blackwell-systems/extmon/internal/stats"
	"github.com/blackwell-systems/extmon/internal/store"
)

// DefaultConcurrency bounds how many per-extension writes a resync runs at
// once.
const DefaultConcurrency = 4

// Options configures a Registry. Host, Store and Queue are required.
type Options struct {
	Host        host.Host
	Store       store.Adapter
	Queue       *serial.Queue
	Clock       quartz.Clock
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	Concurrency int
}

// Registry is the in-memory map of tracked extensions. Entries are added or
// refreshed by Resync and are never removed, so an uninstalled extension
// stays known along with its stored counters.
type Registry struct {
	host        host.Host
	store       store.Adapter
	queue       *serial.Queue
	clock       quartz.Clock
	metrics     *metrics.Metrics
	log         *log.Logger
	concurrency int

	mu   sync.RWMutex
	exts map[string]extension.TrackedExtension
}

// New returns an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("host cannot be nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("registry")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	return &Registry{
		host:        opts.Host,
		store:       opts.Store,
		queue:       opts.Queue,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		concurrency: opts.Concurrency,
		exts:        make(map[string]extension.TrackedExtension),
	}, nil
}

// Resync enumerates the host's extensions, refreshes the in-memory map and
// writes each extension's metadata to the store, creating a zeroed record
// for extensions seen for the first time.
//
// The map is updated before any store write, so events can be classified
// even when the store is unavailable. Store failures for one extension do
// not stop the others; the first failure is returned.
func (r *Registry) Resync(ctx context.Context) error {
	infos, err := r.host.ListExtensions(ctx)
	if err != nil {
		r.metrics.Resyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list extensions: %w", err)
	}

	now := r.clock.Now()
	self := r.host.SelfID()

	tracked := make([]extension.TrackedExtension, 0, len(infos))
	r.mu.Lock()
	for _, info := range infos {
		if info.ID == "" || info.ID == self {
			continue
		}
		ext := toTracked(info, now)
		r.exts[ext.ID] = ext
		tracked = append(tracked, ext)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, ext := range tracked {
		ext := ext
		g.Go(func() error {
			if err := r.persist(ctx, ext, now); err != nil {
				r.metrics.StorageErrors.WithLabelValues("resync").Inc()
				r.log.Warn("resync write failed", "extension", ext.ID, "err", err)
				return fmt.Errorf("failed to store %s: %w", ext.ID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.metrics.Resyncs.WithLabelValues("error").Inc()
		return err
	}

	r.metrics.Resyncs.WithLabelValues("ok").Inc()
	r.log.Debug("resync complete", "extensions", len(tracked))
	return nil
}

// persist upserts ext's metadata on the extension's serial queue so it never
// interleaves with network or performance writes for the same id. A single
// I/O error is retried once.
func (r *Registry) persist(ctx context.Context, ext extension.TrackedExtension, now time.Time) error {
	return r.queue.Do(ctx, ext.ID, func(ctx context.Context) error {
		return store.RetryIO(func() error {
			cs, found, err := r.store.ExtensionStats(ctx, ext.ID)
			if err != nil {
				return err
			}
			if found {
				cs = stats.ApplyMetadata(cs, ext)
			} else {
				cs = stats.NewCombined(ext, now)
			}
			return r.store.UpdateExtensionStats(ctx, ext.ID, cs)
		}, r.metrics.StorageRetries.Inc)
	})
}

// Get returns the tracked extension with id.
func (r *Registry) Get(id string) (extension.TrackedExtension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.exts[id]
	return ext, ok
}

// Has reports whether id has ever been reported by the host.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Len returns the number of tracked extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exts)
}

// List returns every tracked extension sorted by id.
func (r *Registry) List() []extension.TrackedExtension {
	r.mu.RLock()
	out := make([]extension.TrackedExtension, 0, len(r.exts))
	for _, ext := range r.exts {
		out = append(out, ext)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func toTracked(info host.ExtensionInfo, now time.Time) extension.TrackedExtension {
	return extension.TrackedExtension{
		ID:              info.ID,
		Name:            info.Name,
		ShortName:       info.ShortName,
		Version:         info.Version,
		Description:     info.Description,
		Enabled:         info.Enabled,
		Permissions:     extension.NormalizeSet(info.Permissions),
		HostPermissions: extension.NormalizeSet(info.HostPermissions),
		Icons:           info.Icons,
		Type:            info.Type,
		InstallType:     info.InstallType,
		LastUpdated:     now,
		IsTracked:       true,
	}
}
