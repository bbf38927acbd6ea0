// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aquaops/aquaops/pkg/stores"
)

// New returns a migrated SQLite store in a temporary directory. The store is
// closed when the test ends.
func New(t testing.TB) *stores.SQLStore {
	t.Helper()

	store, err := stores.NewSQLStore(stores.Config{
		Driver: stores.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "aquaops.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}
