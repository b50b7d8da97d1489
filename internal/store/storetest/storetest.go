// Package storetest opens throwaway moderation stores for tests in other packages.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
)

// New opens a migrated sqlite store in a temporary directory that is closed when the
// test ends.
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "gifguard.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	moderationStore, err := store.New(store.Config{Database: db, MediaCacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to construct test store: %v", err)
	}
	return moderationStore
}
