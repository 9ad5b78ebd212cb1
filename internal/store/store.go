// Package store persists per-extension statistics behind one Adapter
// contract with interchangeable backends:
//
//   - SQLite: structured store with an extension_stats table and a metadata
//     singleton row (two independent writes per update).
//   - Encrypted: the whole snapshot as one sealed document under a single
//     leveldb key, gated by a passphrase.
//   - Memory: in-process map, used by tests and --backend memory.
//
// Backends initialize lazily on first use. A failed open is sticky: every
// later call returns ErrStorageUnavailable until a new adapter is opened.
// A closed adapter behaves the same way.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/blackwell-systems/extmon/internal/extension"
)

var (
	// ErrStorageUnavailable is returned when the backend could not be opened
	// or authenticated.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageIO is returned when a single read or write failed on an
	// otherwise open backend.
	ErrStorageIO = errors.New("storage I/O error")

	// ErrBadPassphrase is returned by the encrypted backend when the
	// passphrase does not match the stored verifier. It always comes wrapped
	// in ErrStorageUnavailable.
	ErrBadPassphrase = errors.New("passphrase does not match")

	errAdapterClosed = errors.New("adapter closed")
)

// Adapter is the persistence contract shared by every backend.
//
// UpdateExtensionStats is last-writer-wins: the adapter does not merge, so
// callers must pass the full, already merged record.
type Adapter interface {
	// Init performs backend setup. It is idempotent and is called implicitly
	// by every other method.
	Init(ctx context.Context) error

	// GetStore returns every record plus the global LastUpdated.
	GetStore(ctx context.Context) (extension.StoreSnapshot, error)

	// ExtensionStats returns the record for id and whether it exists.
	ExtensionStats(ctx context.Context, id string) (extension.CombinedStats, bool, error)

	// UpdateExtensionStats upserts the record for id and advances the global
	// LastUpdated to now.
	UpdateExtensionStats(ctx context.Context, id string, cs extension.CombinedStats) error

	// Close releases the backend. Every later call fails with
	// ErrStorageUnavailable.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite    = "sqlite"
	BackendEncrypted = "encrypted"
	BackendMemory    = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Path       string
	Passphrase []byte
	Clock      quartz.Clock
}

// New constructs the adapter named by opts.Backend without opening it.
func New(opts Options) (Adapter, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	switch opts.Backend {
	case BackendSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		return NewSQLite(opts.Path, opts.Clock), nil
	case BackendEncrypted:
		if opts.Path == "" {
			return nil, fmt.Errorf("encrypted backend requires a directory path")
		}
		return NewEncrypted(opts.Path, opts.Passphrase, opts.Clock), nil
	case BackendMemory:
		return NewMemory(opts.Clock), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// OpenWithRetry opens an adapter via open and runs Init, retrying with
// exponential backoff up to maxRetries times. A bad passphrase is not
// retried.
func OpenWithRetry(ctx context.Context, open func() (Adapter, error), maxRetries uint64, initial time.Duration) (Adapter, error) {
	eb := backoff.NewExponentialBackOff()
	if initial > 0 {
		eb.InitialInterval = initial
	}
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, maxRetries), ctx)

	var adapter Adapter
	err := backoff.Retry(func() error {
		a, err := open()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := a.Init(ctx); err != nil {
			a.Close()
			if errors.Is(err, ErrBadPassphrase) {
				return backoff.Permanent(err)
			}
			return err
		}
		adapter = a
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// lazyInit runs a backend's setup once. A setup failure is remembered and
// returned, wrapped in ErrStorageUnavailable, from every later call.
type lazyInit struct {
	mu          sync.Mutex
	initialized bool
	err         error
}

func (l *lazyInit) do(setup func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return l.err
	}
	l.initialized = true
	if err := setup(); err != nil {
		l.err = fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return l.err
}

// close marks the backend closed and runs release if setup had succeeded.
// Later calls to do return ErrStorageUnavailable.
func (l *lazyInit) close(release func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	opened := l.initialized && l.err == nil
	l.initialized = true
	if l.err == nil {
		l.err = fmt.Errorf("%w: %w", ErrStorageUnavailable, errAdapterClosed)
	}
	if opened {
		return release()
	}
	return nil
}

// RetryIO runs op and runs it once more if it failed with ErrStorageIO.
// retried, if set, is called before the second attempt. Other errors,
// ErrStorageUnavailable included, are returned as is.
func RetryIO(op func() error, retried func()) error {
	err := op()
	if !errors.Is(err, ErrStorageIO) {
		return err
	}
	if retried != nil {
		retried()
	}
	return op()
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorageIO, op, err)
}

// advance returns now unless prev is later, so LastUpdated never moves
// backwards.
func advance(prev, now time.Time) time.Time {
	if prev.After(now) {
		return prev
	}
	return now
}
