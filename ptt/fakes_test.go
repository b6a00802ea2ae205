package ptt

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkfeed/audio"
	"talkfeed/feed"
	"talkfeed/models"
)

type fakeTransport struct {
	mu           sync.Mutex
	published    []models.SignalRecord
	handler      feed.Handler
	filter       feed.Filter
	subErr       error
	pubErr       error
	unsubscribed int
}

func (f *fakeTransport) Publish(_ context.Context, record models.SignalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, record)
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, filter feed.Filter, handler feed.Handler) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.filter = filter
	f.handler = handler
	return fakeSubscription{t: f}, nil
}

func (f *fakeTransport) deliver(record models.SignalRecord) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(record)
	}
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, r := range f.published {
		out = append(out, r.Type)
	}
	return out
}

func (f *fakeTransport) records() []models.SignalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SignalRecord(nil), f.published...)
}

func (f *fakeTransport) unsubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

type fakeSubscription struct{ t *fakeTransport }

func (s fakeSubscription) Unsubscribe() error {
	s.t.mu.Lock()
	s.t.unsubscribed++
	s.t.handler = nil
	s.t.mu.Unlock()
	return nil
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	onFrame  audio.FrameFunc
	starts   int
	stops    int
	played   [][]byte
}

func (c *fakeCapture) StartCapture(onFrame audio.FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return &audio.DeviceError{Op: "open input", Err: c.startErr}
	}
	c.onFrame = onFrame
	c.starts++
	return nil
}

func (c *fakeCapture) StopCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onFrame != nil {
		c.stops++
	}
	c.onFrame = nil
}

func (c *fakeCapture) Playback(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.played = append(c.played, append([]byte(nil), raw...))
	return nil
}

func (c *fakeCapture) emit(frame []byte) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (c *fakeCapture) playedFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.played...)
}

func (c *fakeCapture) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due timer in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.f()
	}
}

type manualTimer struct {
	clock   *manualClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type harness struct {
	session   *Session
	transport *fakeTransport
	capture   *fakeCapture
	clock     *manualClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		transport: &fakeTransport{},
		capture:   &fakeCapture{},
		clock:     newManualClock(),
	}
	cfg := Config{
		Conversation:  feed.Direct("alice", "bob"),
		ParticipantID: "alice",
		DisplayName:   "Alice",
		Transport:     h.transport,
		Capture:       h.capture,
		Clock:         h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := Open(cfg)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.session.WaitReady(ctx))
}

func (h *harness) waitPublished(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.transport.types()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.transport.types()
}

func strPtr(s string) *string { return &s }

func inbound(sender, typ string, payload *string) models.SignalRecord {
	r := models.SignalRecord{ID: sender + "-" + typ, SenderID: sender, Type: typ, Payload: payload}
	feed.Direct("alice", "bob").Stamp(&r)
	return r
}
