package testsupport

import (
	"context"
	"testing"

	"montage/internal/config"
	"montage/internal/runstore"
)

// MustOpenStore opens a runstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *runstore.Store {
	t.Helper()

	store, err := runstore.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// MustCreateRun inserts a pending run and fails the test on error.
func MustCreateRun(t testing.TB, store *runstore.Store, assetRef string) *runstore.Run {
	t.Helper()

	run, err := store.CreateRun(context.Background(), assetRef)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}
