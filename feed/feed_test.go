package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkfeed/models"
)

func TestDirectKeyIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"b", "a"},
		{"00000000-0000-0000-0000-000000000002", "00000000-0000-0000-0000-000000000001"},
		{"same", "same"},
		{"", "x"},
	}
	for _, p := range pairs {
		require.Equal(t, DirectKey(p[0], p[1]), DirectKey(p[1], p[0]))
	}
	require.Equal(t, "direct:alice:bob", DirectKey("bob", "alice"))
}

func TestValidateParticipantID(t *testing.T) {
	require.NoError(t, ValidateParticipantID("alice"))
	require.NoError(t, ValidateParticipantID("00000000-0000-0000-0000-000000000001"))
	require.ErrorIs(t, ValidateParticipantID(""), ErrInvalidParticipantID)
	require.ErrorIs(t, ValidateParticipantID("  "), ErrInvalidParticipantID)
	require.ErrorIs(t, ValidateParticipantID("team:alice"), ErrInvalidParticipantID)
	require.Equal(t, DirectKey("a:b", "c"), DirectKey("a", "b:c"), "':' in an ID makes keys ambiguous")
}

func TestConversationFilters(t *testing.T) {
	direct := Direct("u2", "u1")
	require.NoError(t, direct.Validate())
	require.Equal(t, Filter{Column: ColumnChannelKey, Value: "direct:u1:u2"}, direct.Filter())

	room := Room("room-7")
	require.NoError(t, room.Validate())
	require.Equal(t, Filter{Column: ColumnRoomID, Value: "room-7"}, room.Filter())

	require.ErrorIs(t, Conversation{}.Validate(), ErrInvalidConversation)
	require.ErrorIs(t, Room(models.NilRoomID).Validate(), ErrInvalidConversation)
	require.ErrorIs(t, Conversation{Key: "room-7", Direct: true}.Validate(), ErrInvalidConversation)
}

func TestStampRoutesRecords(t *testing.T) {
	var rec models.SignalRecord
	Direct("a", "b").Stamp(&rec)
	require.Equal(t, models.NilRoomID, rec.RoomID)
	require.Equal(t, "direct:a:b", rec.ChannelKey)
	require.True(t, Direct("b", "a").Filter().Matches(rec))
	require.False(t, Room(models.NilRoomID).Filter().Matches(models.SignalRecord{RoomID: "other"}))

	Room("r1").Stamp(&rec)
	require.Equal(t, "r1", rec.RoomID)
	require.Empty(t, rec.ChannelKey)
	require.True(t, Room("r1").Filter().Matches(rec))
	require.False(t, Direct("a", "b").Filter().Matches(rec))
}

type collector struct {
	mu      sync.Mutex
	records []models.SignalRecord
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(r models.SignalRecord) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []models.SignalRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.records)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, have %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SignalRecord(nil), c.records...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func record(conv Conversation, id, typ string) models.SignalRecord {
	r := models.SignalRecord{ID: id, SenderID: "sender", Type: typ}
	conv.Stamp(&r)
	return r
}

func TestHubFansOutToMatchingSubscribersInOrder(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	ctx := context.Background()

	conv := Direct("a", "b")
	first, second, other := newCollector(), newCollector(), newCollector()

	_, err := hub.Subscribe(ctx, conv.Filter(), first.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, conv.Filter(), second.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, Room("elsewhere").Filter(), other.handle)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, hub.Publish(ctx, record(conv, id, "audio_chunk")))
	}

	for _, c := range []*collector{first, second} {
		got := c.wait(t, 3)
		require.Equal(t, "1", got[0].ID)
		require.Equal(t, "2", got[1].ID)
		require.Equal(t, "3", got[2].ID)
		require.NotZero(t, got[0].CreatedAt)
	}
	require.Zero(t, other.count())
}

func TestHubIgnoresDuplicateIDs(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	ctx := context.Background()

	conv := Room("r")
	c := newCollector()
	_, err := hub.Subscribe(ctx, conv.Filter(), c.handle)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, record(conv, "dup", "poke")))
	require.NoError(t, hub.Publish(ctx, record(conv, "dup", "poke")))
	require.NoError(t, hub.Publish(ctx, record(conv, "next", "poke")))

	got := c.wait(t, 2)
	require.Equal(t, "dup", got[0].ID)
	require.Equal(t, "next", got[1].ID)
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	ctx := context.Background()

	conv := Room("r")
	c := newCollector()
	sub, err := hub.Subscribe(ctx, conv.Filter(), c.handle)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Len())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.Equal(t, 0, hub.Len())

	require.NoError(t, hub.Publish(ctx, record(conv, "late", "poke")))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, c.count())

	hub.Close()
	require.NoError(t, sub.Unsubscribe())
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	var dropped int
	var mu sync.Mutex
	hub := NewHub(nil, nil, WithQueueSize(1), WithDropHook(func(Filter) {
		mu.Lock()
		dropped++
		mu.Unlock()
	}))
	defer hub.Close()
	ctx := context.Background()

	release := make(chan struct{})
	conv := Room("r")
	_, err := hub.Subscribe(ctx, conv.Filter(), func(models.SignalRecord) { <-release })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(ctx, record(conv, string(rune('a'+i)), "audio_chunk")))
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, dropped, 0)
}

type failingStore struct{ err error }

func (s failingStore) InsertSignal(context.Context, *models.SignalRecord) (bool, error) {
	return false, s.err
}

func TestPublishWrapsStoreFailures(t *testing.T) {
	boom := errors.New("disk full")
	hub := NewHub(failingStore{err: boom}, nil)
	defer hub.Close()

	err := hub.Publish(context.Background(), record(Room("r"), "x", "poke"))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "publish", transportErr.Op)
	require.ErrorIs(t, err, boom)
}

func TestClosedHubRejectsUse(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Close()

	err := hub.Publish(context.Background(), record(Room("r"), "x", "poke"))
	require.ErrorIs(t, err, ErrHubClosed)

	_, err = hub.Subscribe(context.Background(), Room("r").Filter(), func(models.SignalRecord) {})
	require.ErrorIs(t, err, ErrHubClosed)
}

func TestSubscribeRejectsBadFilter(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()

	_, err := hub.Subscribe(context.Background(), Filter{Column: "sender_id", Value: "x"}, func(models.SignalRecord) {})
	require.ErrorIs(t, err, ErrInvalidConversation)
}
