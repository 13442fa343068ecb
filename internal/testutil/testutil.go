// Package testutil provides shared helpers for mailtriage tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/mailtriage/mailtriage/internal/store"
)

// NewTestStore creates a temporary database for testing. The database is
// cleaned up when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

// MustNoErr fails the test immediately if err is non-nil.
func MustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// SeedAccount inserts a minimal account row so FK constraints are happy.
func SeedAccount(t *testing.T, st *store.Store, id, provider string) {
	t.Helper()
	if err := st.UpsertAccount(id, id+"@example.com", provider, "{}"); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}
