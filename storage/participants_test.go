package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"talkfeed/models"
)

func TestParticipantUpsertAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alice", LastSeen: 1_000}); err != nil {
		t.Fatalf("UpsertParticipant u1 failed: %v", err)
	}
	if err := store.UpsertParticipant(ctx, models.Participant{ID: "u2", DisplayName: "Bob", LastSeen: 2_000}); err != nil {
		t.Fatalf("UpsertParticipant u2 failed: %v", err)
	}
	if err := store.UpsertParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alicia", LastSeen: 3_000}); err != nil {
		t.Fatalf("UpsertParticipant rename failed: %v", err)
	}

	got, err := store.GetParticipant(ctx, "u1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if got.DisplayName != "Alicia" || got.LastSeen != 3_000 {
		t.Fatalf("unexpected participant after upsert: %+v", got)
	}

	byName, err := store.FindParticipant(ctx, "bob")
	if err != nil {
		t.Fatalf("FindParticipant by name failed: %v", err)
	}
	if byName.ID != "u2" {
		t.Fatalf("expected u2, got %q", byName.ID)
	}

	byID, err := store.FindParticipant(ctx, " u1 ")
	if err != nil {
		t.Fatalf("FindParticipant by id failed: %v", err)
	}
	if byID.DisplayName != "Alicia" {
		t.Fatalf("unexpected participant by id: %+v", byID)
	}

	if _, err := store.FindParticipant(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindParticipant(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty query, got %v", err)
	}

	all, err := store.ListParticipants(ctx)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(all) != 2 || all[0].DisplayName != "Alicia" || all[1].DisplayName != "Bob" {
		t.Fatalf("unexpected participant list: %+v", all)
	}
}

func TestUpsertParticipantValidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertParticipant(ctx, models.Participant{DisplayName: "x"}); err == nil {
		t.Fatalf("expected error for missing id")
	}
	if err := store.UpsertParticipant(ctx, models.Participant{ID: "x"}); err == nil {
		t.Fatalf("expected error for missing display name")
	}
}

func TestRegisterParticipantPinsFirstKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RegisterParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alice", PublicKey: "key-a", LastSeen: 1_000}); err != nil {
		t.Fatalf("first RegisterParticipant failed: %v", err)
	}
	if err := store.RegisterParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alicia", PublicKey: "key-a", LastSeen: 2_000}); err != nil {
		t.Fatalf("RegisterParticipant with pinned key failed: %v", err)
	}

	err := store.RegisterParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Mallory", PublicKey: "key-b", LastSeen: 3_000})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch for a different key, got %v", err)
	}

	got, err := store.GetParticipant(ctx, "u1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if got.PublicKey != "key-a" || got.DisplayName != "Alicia" || got.LastSeen != 2_000 {
		t.Fatalf("rejected registration modified the row: %+v", got)
	}
}

func TestRegisterParticipantPinsKeyForUnkeyedRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("UpsertParticipant failed: %v", err)
	}
	if err := store.RegisterParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alice", PublicKey: "key-a"}); err != nil {
		t.Fatalf("RegisterParticipant on unkeyed row failed: %v", err)
	}
	got, err := store.GetParticipant(ctx, "u1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if got.PublicKey != "key-a" {
		t.Fatalf("expected pinned key-a, got %q", got.PublicKey)
	}

	if err := store.RegisterParticipant(ctx, models.Participant{ID: "u2", DisplayName: "Bob"}); err == nil {
		t.Fatalf("expected error for missing public key")
	}
}

func TestRegisterParticipantConcurrentFirstKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	errs := make(chan error, contenders)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < contenders; i++ {
		key := fmt.Sprintf("key-%d", i)
		go func() {
			start.Wait()
			errs <- store.RegisterParticipant(ctx, models.Participant{ID: "u1", DisplayName: "Alice", PublicKey: key})
		}()
	}
	start.Done()

	admitted := 0
	for i := 0; i < contenders; i++ {
		err := <-errs
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrKeyMismatch):
		default:
			t.Fatalf("unexpected RegisterParticipant error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one key to be pinned, %d registrations succeeded", admitted)
	}
}
