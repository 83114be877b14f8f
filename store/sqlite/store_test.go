package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/paywall/store"
	"github.com/xraph/paywall/store/sqlite"
	"github.com/xraph/paywall/store/storetest"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "paywall.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openStore(t) })
}

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for i := range 2 {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}

	var applied int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatal(err)
	}
	if applied != len(sqlite.Migrations) {
		t.Errorf("recorded %d migrations, want %d", applied, len(sqlite.Migrations))
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlite.Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
