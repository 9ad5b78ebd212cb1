// Package ingest turns host lifecycle and network events into stored
// per-extension statistics.
//
// Lifecycle events trigger a registry resync. Network events are classified,
// then the read-modify-write of the owning extension's record runs on that
// extension's serial queue, so concurrent events for one extension are never
// lost and events for different extensions proceed in parallel.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/blackwell-systems/extmon/internal/extension"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/metrics"
	"github.com/blackwell-systems/extmon/internal/serial"
	"github.com/blackwell-systems/extmon/internal/stats"
	"github.com/blackwell-systems/extmon/internal/store"
)

var (
	// ErrMalformedEvent marks an event whose initiator is not an extension
	// origin or whose URL has no host.
	ErrMalformedEvent = errors.New("malformed network event")

	// ErrUnknownExtension marks an event from an extension the registry has
	// never seen.
	ErrUnknownExtension = errors.New("unknown extension")
)

// extensionSchemes are the origins the host assigns to extension pages.
var extensionSchemes = []string{"chrome-extension://", "moz-extension://"}

// NetworkRequest is one completed request reported by the host.
type NetworkRequest struct {
	Initiator string
	URL       string
	Type      extension.ResourceType
	// Timestamp is when the request completed. Zero means "now".
	Timestamp time.Time
}

// Registry is the subset of registry.Registry the ingestor needs.
type Registry interface {
	Resync(ctx context.Context) error
	Get(id string) (extension.TrackedExtension, bool)
}

// Options configures an Ingestor. Registry, Store and Queue are required.
type Options struct {
	Registry Registry
	Store    store.Adapter
	Queue    *serial.Queue
	Clock    quartz.Clock
	Metrics  *metrics.Metrics
	Logger   *log.Logger
}

// Ingestor handles host events. Handlers never return errors to the host:
// failures are logged and counted.
type Ingestor struct {
	registry Registry
	store    store.Adapter
	queue    *serial.Queue
	clock    quartz.Clock
	metrics  *metrics.Metrics
	log      *log.Logger

	resyncs singleflight.Group
	dirty   atomic.Bool
}

// New returns an Ingestor.
func New(opts Options) (*Ingestor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
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
		opts.Logger = logging.Component("ingest")
	}

	return &Ingestor{
		registry: opts.Registry,
		store:    opts.Store,
		queue:    opts.Queue,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}, nil
}

// OnLifecycleEvent resyncs the registry after an install, uninstall, enable
// or disable. Calls arriving while a resync runs share its result; if any
// arrived, one more resync follows so their change is not missed. A caller
// that joined a flight after its last resync started runs another one.
func (i *Ingestor) OnLifecycleEvent(ctx context.Context) {
	i.dirty.Store(true)
	for i.dirty.Load() {
		_, err, _ := i.resyncs.Do("resync", func() (any, error) {
			var err error
			for i.dirty.Swap(false) {
				err = i.registry.Resync(ctx)
			}
			return nil, err
		})
		if err != nil {
			i.log.Warn("resync failed", "err", err)
		}
	}
}

// OnNetworkRequestCompleted queues ev for its extension and returns
// immediately.
func (i *Ingestor) OnNetworkRequestCompleted(ctx context.Context, ev NetworkRequest) {
	id, domain, err := i.classify(ev)
	if err != nil {
		return
	}

	now := i.timestamp(ev)
	typ := extension.NormalizeResourceType(string(ev.Type))
	if err := i.queue.Submit(id, func() {
		i.apply(ctx, id, typ, domain, now) //nolint:errcheck
	}); err != nil {
		i.drop(metrics.ReasonClosed, id, err)
	}
}

// HandleNetworkRequest processes ev and waits for the write. The returned
// error wraps ErrMalformedEvent, ErrUnknownExtension, a store error or
// serial.ErrClosed.
func (i *Ingestor) HandleNetworkRequest(ctx context.Context, ev NetworkRequest) error {
	id, domain, err := i.classify(ev)
	if err != nil {
		return err
	}

	now := i.timestamp(ev)
	typ := extension.NormalizeResourceType(string(ev.Type))
	var started atomic.Bool
	err = i.queue.Do(ctx, id, func(ctx context.Context) error {
		started.Store(true)
		return i.apply(ctx, id, typ, domain, now)
	})
	if err != nil && !started.Load() {
		// Queue closed or ctx ended before the write began; apply counted
		// nothing.
		i.drop(metrics.ReasonClosed, id, err)
	}
	return err
}

// Wait blocks until every queued write has finished.
func (i *Ingestor) Wait() {
	i.queue.Wait()
}

// classify validates ev and resolves its extension id and domain. Drops are
// counted here.
func (i *Ingestor) classify(ev NetworkRequest) (string, string, error) {
	id, err := ParseInitiator(ev.Initiator)
	if err != nil {
		i.drop(metrics.ReasonMalformed, "", err)
		return "", "", err
	}

	domain, err := DomainOf(ev.URL)
	if err != nil {
		i.drop(metrics.ReasonMalformed, id, err)
		return "", "", err
	}

	if _, ok := i.registry.Get(id); !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownExtension, id)
		i.drop(metrics.ReasonUnknownExtension, id, err)
		return "", "", err
	}
	return id, domain, nil
}

func (i *Ingestor) timestamp(ev NetworkRequest) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return i.clock.Now()
}

// apply runs on id's serial queue. A single I/O error is retried once.
func (i *Ingestor) apply(ctx context.Context, id string, typ extension.ResourceType, domain string, now time.Time) error {
	err := store.RetryIO(func() error {
		return i.count(ctx, id, typ, domain, now)
	}, i.metrics.StorageRetries.Inc)
	if err != nil {
		i.metrics.StorageErrors.WithLabelValues("update").Inc()
		i.drop(metrics.ReasonStorage, id, err)
		return fmt.Errorf("failed to record request for %s: %w", id, err)
	}

	i.metrics.EventsProcessed.Inc()
	return nil
}

func (i *Ingestor) count(ctx context.Context, id string, typ extension.ResourceType, domain string, now time.Time) error {
	cs, found, err := i.store.ExtensionStats(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		ext, _ := i.registry.Get(id)
		cs = stats.NewCombined(ext, now)
	}

	cs.Network = stats.ApplyRequest(cs.Network, typ, domain, now)
	if cs.Network.ExtensionID == "" {
		cs.Network.ExtensionID = id
	}
	return i.store.UpdateExtensionStats(ctx, id, cs)
}

func (i *Ingestor) drop(reason, id string, err error) {
	i.metrics.EventsDropped.WithLabelValues(reason).Inc()
	if reason == metrics.ReasonStorage || reason == metrics.ReasonClosed {
		i.log.Warn("dropped network event", "reason", reason, "extension", id, "err", err)
		return
	}
	i.log.Debug("dropped network event", "reason", reason, "extension", id, "err", err)
}

// ParseInitiator returns the extension id of an extension origin such as
// "chrome-extension://<id>" or "moz-extension://<id>/path".
func ParseInitiator(initiator string) (string, error) {
	for _, scheme := range extensionSchemes {
		rest, ok := strings.CutPrefix(initiator, scheme)
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(rest, "/")
		if id == "" {
			return "", fmt.Errorf("%w: empty extension id in %q", ErrMalformedEvent, initiator)
		}
		return id, nil
	}
	if initiator == "" {
		return "", fmt.Errorf("%w: missing initiator", ErrMalformedEvent)
	}
	return "", fmt.Errorf("%w: %q is not an extension origin", ErrMalformedEvent, initiator)
}

// DomainOf returns the lower-cased host of rawURL without its port.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrMalformedEvent, rawURL)
	}
	return strings.ToLower(host), nil
}
