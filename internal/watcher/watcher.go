package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/blackwell-systems/extmon/internal/feed"
	"github.com/blackwell-systems/extmon/internal/logging"
)

// DefaultPollInterval is how often the request feed is read when Options
// leaves PollInterval unset.
const DefaultPollInterval = 30 * time.Second

// Lifecycle reacts to extensions being installed, removed, enabled or
// disabled. *ingest.Ingestor satisfies it.
type Lifecycle interface {
	OnLifecycleEvent(ctx context.Context)
	Wait()
}

// HostEvents produces lifecycle signals. *host.Watcher satisfies it.
type HostEvents interface {
	C() <-chan struct{}
	Run(ctx context.Context) error
}

// Feed is one pass over the request log. *feed.Processor satisfies it.
type Feed interface {
	ProcessOnce(ctx context.Context) (feed.Result, error)
}

// Sampler takes one performance reading. *sampler.Sampler satisfies it.
type Sampler interface {
	SampleOnce(ctx context.Context) (int, error)
}

// Options configures a Watcher. Only Lifecycle is required; a nil Host,
// Feed or Sampler disables that loop.
type Options struct {
	Lifecycle      Lifecycle
	Host           HostEvents
	Feed           Feed
	Sampler        Sampler
	Clock          quartz.Clock
	PollInterval   time.Duration
	SampleInterval time.Duration
	Logger         *log.Logger
}

// Watcher drives the monitor: it resyncs on startup and on every host
// lifecycle signal, reads the request feed every PollInterval and takes a
// performance sample every SampleInterval.
type Watcher struct {
	lifecycle Lifecycle
	host      HostEvents
	feed      Feed
	sampler   Sampler
	clock     quartz.Clock
	poll      time.Duration
	sample    time.Duration
	log       *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Watcher instance.
func New(opts Options) (*Watcher, error) {
	if opts.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("watcher")
	}
	return &Watcher{
		lifecycle: opts.Lifecycle,
		host:      opts.Host,
		feed:      opts.Feed,
		sampler:   opts.Sampler,
		clock:     opts.Clock,
		poll:      opts.PollInterval,
		sample:    opts.SampleInterval,
		log:       opts.Logger,
	}, nil
}

// Run blocks until ctx is done. The feed gets a final flush after ctx is
// cancelled so requests already in the log are not left for the next run.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watching", "poll", w.poll, "sample", w.sample)

	var wg sync.WaitGroup
	if w.host != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.host.Run(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("host watcher stopped", "err", err)
			}
		}()
	}

	w.lifecycle.OnLifecycleEvent(ctx)
	w.processFeed(ctx)

	var tickers []quartz.Waiter
	if w.feed != nil {
		tickers = append(tickers, w.clock.TickerFunc(ctx, w.poll, func() error {
			w.processFeed(ctx)
			return nil
		}, "watcher", "feed"))
	}
	if w.sampler != nil && w.sample > 0 {
		tickers = append(tickers, w.clock.TickerFunc(ctx, w.sample, func() error {
			w.takeSample(ctx)
			return nil
		}, "watcher", "sample"))
	}

	var signals <-chan struct{}
	if w.host != nil {
		signals = w.host.C()
	}
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-signals:
			w.log.Debug("lifecycle signal")
			w.lifecycle.OnLifecycleEvent(ctx)
		}
	}

	for _, t := range tickers {
		t.Wait() //nolint:errcheck
	}
	wg.Wait()

	w.processFeed(context.WithoutCancel(ctx))
	w.lifecycle.Wait()
	w.log.Info("stopped")
	return nil
}

// Start runs the watcher in the background until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("watcher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		w.Run(ctx) //nolint:errcheck
	}(w.done)
	return nil
}

// Stop halts the watcher and waits for the final feed flush. Stopping a
// watcher that was never started is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (w *Watcher) processFeed(ctx context.Context) {
	if w.feed == nil {
		return
	}
	res, err := w.feed.ProcessOnce(ctx)
	if err != nil {
		w.log.Error("feed processing failed", "err", err)
		return
	}
	if res.Lines > 0 {
		w.log.Debug("feed processed", "lines", res.Lines, "handled", res.Handled, "rejected", res.Rejected, "malformed", res.Malformed)
	}
}

func (w *Watcher) takeSample(ctx context.Context) {
	n, err := w.sampler.SampleOnce(ctx)
	if err != nil {
		w.log.Warn("performance sample incomplete", "written", n, "err", err)
		return
	}
	w.log.Debug("performance sampled", "written", n)
}
