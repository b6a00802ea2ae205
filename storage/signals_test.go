package storage

import (
	"context"
	"testing"

	"talkfeed/models"
)

func TestInsertSignalIsIdempotentOnID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := models.SignalRecord{
		ID:         "sig-1",
		RoomID:     models.NilRoomID,
		ChannelKey: "direct:a:b",
		SenderID:   "a",
		Type:       "start_talking",
		Payload:    strPtr("Alice"),
	}
	stored := mustInsertSignal(t, store, record)
	if stored.CreatedAt == 0 {
		t.Fatalf("expected created_at to be assigned")
	}

	dup := record
	dup.Type = "stop_talking"
	inserted, err := store.InsertSignal(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate InsertSignal failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate signal to be ignored")
	}

	got, err := store.GetSignal(ctx, "sig-1")
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}
	if got.Type != "start_talking" {
		t.Fatalf("stored signal was modified: type %q", got.Type)
	}
	if got.Payload == nil || *got.Payload != "Alice" {
		t.Fatalf("unexpected payload: %v", got.Payload)
	}

	if _, err := store.GetSignal(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertSignalValidatesRequiredFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []models.SignalRecord{
		{RoomID: "r", SenderID: "a", Type: "poke"},
		{ID: "x", SenderID: "a", Type: "poke"},
		{ID: "x", RoomID: "r", Type: "poke"},
		{ID: "x", RoomID: "r", SenderID: "a"},
	}
	for i, record := range cases {
		record := record
		if _, err := store.InsertSignal(ctx, &record); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if _, err := store.InsertSignal(ctx, nil); err == nil {
		t.Fatalf("expected error for nil record")
	}
}

func TestSignalsSinceFiltersByConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustInsertSignal(t, store, models.SignalRecord{ID: "d1", RoomID: models.NilRoomID, ChannelKey: "direct:a:b", SenderID: "a", Type: "start_talking", Payload: strPtr("A")})
	mustInsertSignal(t, store, models.SignalRecord{ID: "r1", RoomID: "room-1", SenderID: "c", Type: "poke"})
	mustInsertSignal(t, store, models.SignalRecord{ID: "d2", RoomID: models.NilRoomID, ChannelKey: "direct:a:b", SenderID: "a", Type: "stop_talking"})
	mustInsertSignal(t, store, models.SignalRecord{ID: "d3", RoomID: models.NilRoomID, ChannelKey: "direct:a:c", SenderID: "a", Type: "poke"})

	direct, err := store.SignalsSince(ctx, SignalQuery{Column: "channel_key", Value: "direct:a:b"})
	if err != nil {
		t.Fatalf("SignalsSince direct failed: %v", err)
	}
	if len(direct) != 2 || direct[0].ID != "d1" || direct[1].ID != "d2" {
		t.Fatalf("unexpected direct signals: %+v", direct)
	}
	if direct[1].Payload != nil {
		t.Fatalf("expected nil payload for stop_talking")
	}

	after, err := store.SignalsSince(ctx, SignalQuery{Column: "channel_key", Value: "direct:a:b", AfterSeq: direct[0].Seq})
	if err != nil {
		t.Fatalf("SignalsSince cursor failed: %v", err)
	}
	if len(after) != 1 || after[0].ID != "d2" {
		t.Fatalf("unexpected signals after cursor: %+v", after)
	}

	room, err := store.SignalsSince(ctx, SignalQuery{Column: "room_id", Value: "room-1", Limit: 5})
	if err != nil {
		t.Fatalf("SignalsSince room failed: %v", err)
	}
	if len(room) != 1 || room[0].Record().ConversationKey() != "room-1" {
		t.Fatalf("unexpected room signals: %+v", room)
	}

	if _, err := store.SignalsSince(ctx, SignalQuery{Column: "sender_id", Value: "a"}); err == nil {
		t.Fatalf("expected error for unsupported filter column")
	}
}

func TestPruneSignalsBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustInsertSignal(t, store, models.SignalRecord{ID: "old", RoomID: "room-1", SenderID: "a", Type: "poke"})
	if _, err := store.db.Exec(`UPDATE signals SET created_at = ? WHERE signal_id = 'old'`, nowUnixMilli()-60_000); err != nil {
		t.Fatalf("age signal: %v", err)
	}
	mustInsertSignal(t, store, models.SignalRecord{ID: "new", RoomID: "room-1", SenderID: "a", Type: "poke"})

	pruned, err := store.PruneSignalsBefore(ctx, nowUnixMilli()-30_000)
	if err != nil {
		t.Fatalf("PruneSignalsBefore failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned signal, got %d", pruned)
	}

	count, err := store.CountSignals(ctx)
	if err != nil {
		t.Fatalf("CountSignals failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining signal, got %d", count)
	}

	if _, err := store.PruneSignalsBefore(ctx, 0); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
}
