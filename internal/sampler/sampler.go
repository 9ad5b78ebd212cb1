// Package sampler records periodic CPU and memory readings per extension.
//
// Readings come from a Source and are written through the same per-id
// serial queue as network events, touching only PerformanceStats.
package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/serial"
	"github.com/blackwell-systems/extmon/internal/stats"
	"github.com/blackwell-systems/extmon/internal/store"
)

// Source produces the current reading for each extension it can observe.
type Source interface {
	Sample(ctx context.Context) (map[string]stats.Sample, error)
}

// FileSource reads a JSON document written by an external probe:
//
//	{"<extension id>": {"cpu": 1.5, "memory": 52428800}, ...}
//
// cpu is percent of one core; memory is bytes.
type FileSource struct {
	path string
}

// NewFileSource returns a Source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Sample returns the document's readings. A missing file yields none.
func (f *FileSource) Sample(ctx context.Context) (map[string]stats.Sample, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]stats.Sample{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	var out map[string]stats.Sample
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse samples %s: %w", f.path, err)
	}
	return out, nil
}

// Registry is the lookup the sampler uses to ignore unknown extensions.
type Registry interface {
	Get(id string) (extension.TrackedExtension, bool)
}

// Options configures a Sampler. Source, Registry, Store and Queue are
// required.
type Options struct {
	Source   Source
	Registry Registry
	Store    store.Adapter
	Queue    *serial.Queue
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	Logger   *log.Logger
}

// Sampler writes readings from its Source into the store.
type Sampler struct {
	source   Source
	registry Registry
	store    store.Adapter
	queue    *serial.Queue
	clock    quartz.Clock
	metrics  *metrics.Metrics
	log      *log.Logger
}

// New returns a Sampler.
func New(opts Options) (*Sampler, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("source cannot be nil")
	case opts.Registry == nil:
		return nil, fmt.Errorf("registry cannot be nil")
	case opts.Store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("sampler")
	}

	return &Sampler{
		source:   opts.Source,
		registry: opts.Registry,
		store:    opts.Store,
		queue:    opts.Queue,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}, nil
}

// SampleOnce takes one reading and stores it for every extension known to
// the registry. It returns how many records were written; per-extension
// failures are joined into the returned error.
func (s *Sampler) SampleOnce(ctx context.Context) (int, error) {
	samples, err := s.source.Sample(ctx)
	if err != nil {
		s.metrics.Samples.WithLabelValues("error").Inc()
		return 0, err
	}

	ids := make([]string, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.clock.Now()
	written := 0
	var errs []error
	for _, id := range ids {
		ext, ok := s.registry.Get(id)
		if !ok {
			s.metrics.Samples.WithLabelValues("skipped").Inc()
			continue
		}

		sample := samples[id]
		err := s.queue.Do(ctx, id, func(ctx context.Context) error {
			return store.RetryIO(func() error {
				cs, found, err := s.store.ExtensionStats(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					cs = stats.NewCombined(ext, now)
				}
				return s.store.UpdateExtensionStats(ctx, id, stats.ApplyPerformance(cs, sample, now))
			}, s.metrics.StorageRetries.Inc)
		})
		if err != nil {
			s.metrics.Samples.WithLabelValues("error").Inc()
			s.metrics.StorageErrors.WithLabelValues("sample").Inc()
			s.log.Warn("sample write failed", "extension", id, "err", err)
			errs = append(errs, fmt.Errorf("failed to store sample for %s: %w", id, err))
			continue
		}
		s.metrics.Samples.WithLabelValues("ok").Inc()
		written++
	}
	return written, errors.Join(errs...)
}
