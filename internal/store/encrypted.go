package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/quartz"
	"github.com/pierrec/lz4/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/blackwell-systems/extmon/internal/encryption"
	"github.com/blackwell-systems/extmon/internal/extension"
)

var (
	documentKey = []byte("store")
	secretKey   = []byte("secret")
)

// Encrypted is the flat backend: the whole StoreSnapshot is one msgpack
// document, lz4-compressed and sealed with AES-GCM, stored under a single
// leveldb key. Each update rewrites the whole document under mu.
type Encrypted struct {
	path       string
	passphrase []byte
	clock      quartz.Clock
	init       lazyInit

	mu  sync.Mutex
	db  *leveldb.DB
	key []byte
}

// NewEncrypted returns an unopened encrypted adapter rooted at dir.
func NewEncrypted(dir string, passphrase []byte, clock quartz.Clock) *Encrypted {
	return &Encrypted{
		path:       dir,
		passphrase: append([]byte(nil), passphrase...),
		clock:      clock,
	}
}

// Init opens leveldb and binds the passphrase. A first open stores a new
// verifier; later opens must present the same passphrase.
func (e *Encrypted) Init(ctx context.Context) error {
	return e.init.do(e.open)
}

func (e *Encrypted) open() error {
	if len(e.passphrase) == 0 {
		return fmt.Errorf("encrypted backend requires a passphrase")
	}

	db, err := leveldb.OpenFile(e.path, nil)
	if err != nil {
		return fmt.Errorf("failed to open leveldb: %w", err)
	}

	key, err := bindPassphrase(db, e.passphrase)
	if err != nil {
		db.Close()
		return err
	}

	e.db = db
	e.key = key
	return nil
}

func bindPassphrase(db *leveldb.DB, passphrase []byte) ([]byte, error) {
	stored, err := db.Get(secretKey, nil)
	if err == leveldb.ErrNotFound {
		secret, key, err := encryption.NewSecret(passphrase)
		if err != nil {
			return nil, err
		}
		if err := db.Put(secretKey, []byte(secret), nil); err != nil {
			return nil, fmt.Errorf("failed to store secret: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}

	key, err := encryption.DeriveKey(passphrase, string(stored))
	if errors.Is(err, encryption.ErrPassphraseMismatch) {
		return nil, ErrBadPassphrase
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Close closes leveldb.
func (e *Encrypted) Close() error {
	return e.init.close(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.db.Close()
	})
}

// GetStore decrypts and returns the whole document.
func (e *Encrypted) GetStore(ctx context.Context) (extension.StoreSnapshot, error) {
	if err := e.Init(ctx); err != nil {
		return extension.StoreSnapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, found, err := e.load()
	if err != nil {
		return extension.StoreSnapshot{}, err
	}
	if !found {
		snap.LastUpdated = e.clock.Now().UTC()
	}
	return snap, nil
}

// ExtensionStats decrypts the document and returns one record.
func (e *Encrypted) ExtensionStats(ctx context.Context, id string) (extension.CombinedStats, bool, error) {
	if err := e.Init(ctx); err != nil {
		return extension.CombinedStats{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, _, err := e.load()
	if err != nil {
		return extension.CombinedStats{}, false, err
	}
	cs, ok := snap.Extensions[id]
	return cs, ok, nil
}

// UpdateExtensionStats reads the whole document, replaces the record for id
// and writes the document back.
func (e *Encrypted) UpdateExtensionStats(ctx context.Context, id string, cs extension.CombinedStats) error {
	if err := e.Init(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, _, err := e.load()
	if err != nil {
		return err
	}
	snap.Extensions[id] = cs.Clone()
	snap.LastUpdated = advance(snap.LastUpdated, e.clock.Now().UTC())

	return e.save(snap)
}

// load must be called with mu held. The bool reports whether a document
// existed.
func (e *Encrypted) load() (extension.StoreSnapshot, bool, error) {
	empty := extension.StoreSnapshot{Extensions: make(map[string]extension.CombinedStats)}

	sealed, err := e.db.Get(documentKey, nil)
	if err == leveldb.ErrNotFound {
		return empty, false, nil
	}
	if err != nil {
		return empty, false, ioError("read document", err)
	}

	snap, err := decodeDocument(e.key, sealed)
	if err != nil {
		return empty, false, ioError("decode document", err)
	}
	return snap, true, nil
}

// save must be called with mu held.
func (e *Encrypted) save(snap extension.StoreSnapshot) error {
	sealed, err := encodeDocument(e.key, snap)
	if err != nil {
		return ioError("encode document", err)
	}
	if err := e.db.Put(documentKey, sealed, nil); err != nil {
		return ioError("write document", err)
	}
	return nil
}

func encodeDocument(key []byte, snap extension.StoreSnapshot) ([]byte, error) {
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	compressed, err := deflateLZ4(data)
	if err != nil {
		return nil, err
	}
	return encryption.Seal(key, compressed)
}

func decodeDocument(key, sealed []byte) (extension.StoreSnapshot, error) {
	var snap extension.StoreSnapshot

	compressed, err := encryption.Open(key, sealed)
	if err != nil {
		return snap, err
	}
	data, err := inflateLZ4(compressed)
	if err != nil {
		return snap, err
	}
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	if snap.Extensions == nil {
		snap.Extensions = make(map[string]extension.CombinedStats)
	}
	for id, cs := range snap.Extensions {
		snap.Extensions[id] = normalizeTimes(cs)
	}
	snap.LastUpdated = snap.LastUpdated.UTC()
	return snap, nil
}

func deflateLZ4(buf []byte) ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, len(buf)))
	w := lz4.NewWriter(b)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return b.Bytes(), nil
}

func inflateLZ4(buf []byte) ([]byte, error) {
	data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return data, nil
}
