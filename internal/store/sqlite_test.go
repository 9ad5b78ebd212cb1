package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
)

// newTestStore creates an initialized in-memory SQLite adapter.
func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testStart)

	s := NewSQLite(":memory:", clock)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_CreateSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"extension_stats", "metadata"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	var name string
	if err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", "idx_extension_stats_updated").Scan(&name); err != nil {
		t.Errorf("Index idx_extension_stats_updated not found: %v", err)
	}
}

func TestSQLite_WritesMetadataRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateExtensionStats(ctx, "abc", sampleStats("abc", 1)); err != nil {
		t.Fatalf("UpdateExtensionStats() failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM metadata WHERE key = ?", metadataKey).Scan(&count); err != nil {
		t.Fatalf("count metadata: %v", err)
	}
	if count != 1 {
		t.Errorf("metadata rows = %d, want 1", count)
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extmon.db")
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(testStart)

	first := NewSQLite(path, clock)
	if err := first.UpdateExtensionStats(ctx, "abc", sampleStats("abc", 4)); err != nil {
		t.Fatalf("UpdateExtensionStats() failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	second := NewSQLite(path, clock)
	defer second.Close()
	got, ok, err := second.ExtensionStats(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("ExtensionStats() after reopen = _, %v, %v", ok, err)
	}
	assertStatsEqual(t, got, sampleStats("abc", 4))
}

func TestSQLite_OpenFailureIsSticky(t *testing.T) {
	// A path inside a missing directory cannot be opened.
	s := NewSQLite(filepath.Join(t.TempDir(), "missing", "dir", "extmon.db"), quartz.NewReal())
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetStore(ctx)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("GetStore() error = %v, want ErrStorageUnavailable", err)
	}

	err = s.UpdateExtensionStats(ctx, "abc", sampleStats("abc", 1))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("UpdateExtensionStats() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestSQLite_CorruptRowIsIOError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extension_stats (extension_id, extension, network, performance, updated_at)
		VALUES ('abc', 'not json', '{}', '{}', '')
	`)
	if err != nil {
		t.Fatalf("failed to insert corrupt row: %v", err)
	}

	_, _, err = s.ExtensionStats(ctx, "abc")
	if !errors.Is(err, ErrStorageIO) {
		t.Errorf("ExtensionStats() on corrupt row error = %v, want ErrStorageIO", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		t.Error("I/O failure on an open backend must not be reported as unavailable")
	}

	// The backend stays usable for other records.
	if err := s.UpdateExtensionStats(ctx, "def", sampleStats("def", 1)); err != nil {
		t.Errorf("UpdateExtensionStats() after a bad read error = %v", err)
	}
}
