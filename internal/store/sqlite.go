package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	_ "modernc.org/sqlite"

	"github.com/blackwell-systems/extmon/internal/extension"
)

const timeFormat = time.RFC3339Nano

// SQLite is the structured backend. Records live in extension_stats and the
// global LastUpdated in the metadata singleton row; an update writes both
// as two independent statements. metaMu serializes the metadata
// read-advance-write so concurrent updates never move it backwards.
type SQLite struct {
	path   string
	clock  quartz.Clock
	init   lazyInit
	db     *sql.DB
	metaMu sync.Mutex
}

// NewSQLite returns an unopened SQLite adapter for path.
// Use ":memory:" for in-memory databases (useful for testing).
func NewSQLite(path string, clock quartz.Clock) *SQLite {
	return &SQLite{path: path, clock: clock}
}

// Init opens the database and creates the schema on first call.
func (s *SQLite) Init(ctx context.Context) error {
	return s.init.do(func() error { return s.open(ctx) })
}

func (s *SQLite) open(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only allows one writer at a time; a single connection also
	// keeps a ":memory:" database alive for the adapter's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.init.close(func() error { return s.db.Close() })
}

// GetStore reads every record and the metadata row.
func (s *SQLite) GetStore(ctx context.Context) (extension.StoreSnapshot, error) {
	if err := s.Init(ctx); err != nil {
		return extension.StoreSnapshot{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT extension_id, extension, network, performance
		FROM extension_stats
		ORDER BY extension_id
	`)
	if err != nil {
		return extension.StoreSnapshot{}, ioError("list extension stats", err)
	}
	defer rows.Close()

	snap := extension.StoreSnapshot{Extensions: make(map[string]extension.CombinedStats)}
	for rows.Next() {
		id, cs, err := scanStats(rows)
		if err != nil {
			return extension.StoreSnapshot{}, err
		}
		snap.Extensions[id] = cs
	}
	if err := rows.Err(); err != nil {
		return extension.StoreSnapshot{}, ioError("iterate extension stats", err)
	}

	lastUpdated, err := s.lastUpdated(ctx)
	if err != nil {
		return extension.StoreSnapshot{}, err
	}
	snap.LastUpdated = lastUpdated
	return snap, nil
}

// ExtensionStats reads one record.
func (s *SQLite) ExtensionStats(ctx context.Context, id string) (extension.CombinedStats, bool, error) {
	if err := s.Init(ctx); err != nil {
		return extension.CombinedStats{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT extension_id, extension, network, performance
		FROM extension_stats
		WHERE extension_id = ?
	`, id)

	_, cs, err := scanStats(row)
	if err == sql.ErrNoRows {
		return extension.CombinedStats{}, false, nil
	}
	if err != nil {
		return extension.CombinedStats{}, false, err
	}
	return cs, true, nil
}

// UpdateExtensionStats replaces the record for id, then bumps the metadata
// row. The two writes are not atomic with each other.
func (s *SQLite) UpdateExtensionStats(ctx context.Context, id string, cs extension.CombinedStats) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	extJSON, err := json.Marshal(cs.Extension)
	if err != nil {
		return fmt.Errorf("failed to marshal extension %s: %w", id, err)
	}
	netJSON, err := json.Marshal(cs.Network)
	if err != nil {
		return fmt.Errorf("failed to marshal network stats %s: %w", id, err)
	}
	perfJSON, err := json.Marshal(cs.Performance)
	if err != nil {
		return fmt.Errorf("failed to marshal performance stats %s: %w", id, err)
	}

	now := s.clock.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO extension_stats
		(extension_id, extension, network, performance, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(extJSON), string(netJSON), string(perfJSON), now.Format(timeFormat))
	if err != nil {
		return ioError("upsert extension stats "+id, err)
	}

	return s.bumpLastUpdated(ctx)
}

func (s *SQLite) bumpLastUpdated(ctx context.Context) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	prev, err := s.lastUpdated(ctx)
	if err != nil {
		return err
	}
	next := advance(prev, s.clock.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO metadata (key, last_updated)
		VALUES (?, ?)
	`, metadataKey, next.Format(timeFormat))
	if err != nil {
		return ioError("update metadata", err)
	}
	return nil
}

// lastUpdated returns the metadata timestamp, or now when the row does not
// exist yet.
func (s *SQLite) lastUpdated(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT last_updated FROM metadata WHERE key = ?", metadataKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return s.clock.Now().UTC(), nil
	}
	if err != nil {
		return time.Time{}, ioError("read metadata", err)
	}

	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}, ioError("parse metadata last_updated", err)
	}
	return t.UTC(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (string, extension.CombinedStats, error) {
	var id, extJSON, netJSON, perfJSON string
	var cs extension.CombinedStats
	if err := row.Scan(&id, &extJSON, &netJSON, &perfJSON); err != nil {
		if err == sql.ErrNoRows {
			return "", cs, err
		}
		return "", cs, ioError("scan extension stats row", err)
	}

	if err := json.Unmarshal([]byte(extJSON), &cs.Extension); err != nil {
		return "", cs, ioError("unmarshal extension "+id, err)
	}
	if err := json.Unmarshal([]byte(netJSON), &cs.Network); err != nil {
		return "", cs, ioError("unmarshal network stats "+id, err)
	}
	if err := json.Unmarshal([]byte(perfJSON), &cs.Performance); err != nil {
		return "", cs, ioError("unmarshal performance stats "+id, err)
	}
	return id, normalizeTimes(cs), nil
}

// normalizeTimes converts every timestamp in cs to UTC so callers compare
// records independent of the backend's decoding location.
func normalizeTimes(cs extension.CombinedStats) extension.CombinedStats {
	cs.Extension.LastUpdated = cs.Extension.LastUpdated.UTC()
	cs.Network.LastRequest = cs.Network.LastRequest.UTC()
	cs.Network.FirstTracked = cs.Network.FirstTracked.UTC()
	cs.Performance.LastUpdated = cs.Performance.LastUpdated.UTC()
	return cs
}
