package storage

import (
	"context"
	"testing"

	"talkfeed/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertSignal(t *testing.T, store *Store, record models.SignalRecord) models.SignalRecord {
	t.Helper()

	inserted, err := store.InsertSignal(context.Background(), &record)
	if err != nil {
		t.Fatalf("insert signal %q: %v", record.ID, err)
	}
	if !inserted {
		t.Fatalf("expected signal %q to be inserted", record.ID)
	}
	return record
}

func strPtr(s string) *string {
	return &s
}
