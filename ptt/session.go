// Package ptt runs the push-to-talk state machine for one open conversation.
//
// A Session owns a single event loop. Gestures, feed deliveries, timer expiries and state
// queries are all posted to that loop, so session state is never shared between
// goroutines. Captured frames bypass the loop and go straight to a FIFO publisher so the
// capture callback never waits on the network.
package ptt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"talkfeed/audio"
	"talkfeed/codec"
	"talkfeed/feed"
	"talkfeed/models"
	"talkfeed/signaling"
)

const (
	// DefaultNoticeTTL is how long a poke notice stays up.
	DefaultNoticeTTL = 3 * time.Second
	// DefaultCloseGrace bounds how long Close waits for queued signals to be published.
	DefaultCloseGrace = time.Second

	defaultPublishQueue = 256
	controlEnqueueWait  = 500 * time.Millisecond
)

// ErrClosed is returned by gestures on a closed session.
var ErrClosed = errors.New("ptt: session closed")

// Capture is the slice of the audio pipeline a session drives.
type Capture interface {
	StartCapture(onFrame audio.FrameFunc) error
	StopCapture()
	Playback(raw []byte) error
}

// Config wires a Session to its collaborators.
type Config struct {
	Conversation  feed.Conversation
	ParticipantID string
	DisplayName   string

	Transport feed.Transport
	Capture   Capture
	Presenter Presenter
	Clock     Clock
	Logger    *slog.Logger

	// OnChange is called from the session loop after every state transition. It must not
	// call back into the Session.
	OnChange func(State)

	NoticeTTL    time.Duration
	CloseGrace   time.Duration
	PublishQueue int
}

func (c *Config) normalize() error {
	if err := c.Conversation.Validate(); err != nil {
		return err
	}
	if c.ParticipantID == "" {
		return errors.New("ptt: participant ID is required")
	}
	if c.Transport == nil {
		return errors.New("ptt: transport is required")
	}
	if c.Capture == nil {
		return errors.New("ptt: capture is required")
	}
	if c.Presenter == nil {
		c.Presenter = DirectPresenter
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = DefaultNoticeTTL
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.PublishQueue <= 0 {
		c.PublishQueue = defaultPublishQueue
	}
	return nil
}

// Session is the push-to-talk state for one open conversation.
type Session struct {
	cfg    Config
	logger *slog.Logger
	sender *signaling.Sender
	pub    *publisher

	events    chan any
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	subErr    error
	closeOnce sync.Once

	streaming atomic.Bool

	finalMu sync.Mutex
	final   State

	// Owned by the loop goroutine.
	state       State
	sub         feed.Subscription
	noticeGen   uint64
	noticeTimer Timer
}

type (
	pressEvent      struct{ reply chan error }
	releaseEvent    struct{ reply chan struct{} }
	pokeEvent       struct{ reply chan struct{} }
	stateEvent      struct{ reply chan State }
	closeEvent      struct{ reply chan struct{} }
	inboundEvent    struct{ record models.SignalRecord }
	noticeExpiredEv struct{ gen uint64 }
	subscribedEvent struct {
		sub feed.Subscription
		err error
	}
)

// Open starts a session in the idle state and begins subscribing in the background.
// Gestures are accepted immediately, before the subscription is confirmed.
func Open(cfg Config) (*Session, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("conversation", cfg.Conversation.Key)
	s := &Session{
		cfg:    cfg,
		logger: logger,
		sender: signaling.NewSender(cfg.Conversation, cfg.ParticipantID, cfg.DisplayName),
		pub:    newPublisher(cfg.Transport, logger, cfg.PublishQueue),
		events: make(chan any, 64),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}

	go s.loop()
	go s.subscribe()
	return s, nil
}

// Ready is closed once the subscription attempt has finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the subscription attempt finishes and returns its error.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.subErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Press opens the microphone and announces the talk burst. It fails only when capture
// cannot start, in which case nothing is published. Pressing while talking does nothing.
func (s *Session) Press() error {
	reply := make(chan error, 1)
	if !s.post(pressEvent{reply: reply}) {
		return ErrClosed
	}
	return s.await(reply)
}

// Release closes the microphone and ends the talk burst. Releasing while idle does nothing.
func (s *Session) Release() {
	reply := make(chan struct{}, 1)
	if s.post(releaseEvent{reply: reply}) {
		s.awaitDone(reply)
	}
}

// Poke publishes a poke carrying the local display name.
func (s *Session) Poke() error {
	reply := make(chan struct{}, 1)
	if !s.post(pokeEvent{reply: reply}) {
		return ErrClosed
	}
	s.awaitDone(reply)
	return nil
}

// State returns a snapshot ordered after every event posted before the call.
func (s *Session) State() State {
	reply := make(chan State, 1)
	if s.post(stateEvent{reply: reply}) {
		select {
		case st := <-reply:
			return st
		case <-s.done:
		}
	}
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return s.final
}

// Close tears the session down: it unsubscribes, stops the microphone if open, announces
// the end of any talk burst and flushes pending signals within the close grace period.
// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		reply := make(chan struct{}, 1)
		if s.post(closeEvent{reply: reply}) {
			s.awaitDone(reply)
		}
		<-s.done
		s.pub.close(s.cfg.CloseGrace)
		s.logger.Debug("session closed")
	})
	return nil
}

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) post(ev any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) awaitDone(reply chan struct{}) {
	select {
	case <-reply:
	case <-s.done:
	}
}

func (s *Session) subscribe() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	sub, err := s.cfg.Transport.Subscribe(ctx, s.cfg.Conversation.Filter(), s.deliver)
	if !s.post(subscribedEvent{sub: sub, err: err}) && sub != nil {
		_ = sub.Unsubscribe()
	}
}

// deliver runs on the transport's delivery goroutine.
func (s *Session) deliver(record models.SignalRecord) {
	s.post(inboundEvent{record: record})
}

// onFrame runs on the capture goroutine and never blocks.
func (s *Session) onFrame(frame []byte) {
	if !s.streaming.Load() {
		return
	}
	record, err := s.sender.AudioChunk(frame)
	if err != nil {
		s.logger.Debug("dropping captured frame", "error", err)
		return
	}
	s.pub.offer(record)
}

func (s *Session) loop() {
	defer close(s.done)

	for ev := range s.events {
		changed := false
		switch e := ev.(type) {
		case pressEvent:
			err := s.press()
			changed = err == nil
			e.reply <- err
		case releaseEvent:
			changed = s.release()
			e.reply <- struct{}{}
		case pokeEvent:
			s.pub.push(s.sender.Poke(), controlEnqueueWait)
			e.reply <- struct{}{}
		case stateEvent:
			e.reply <- s.state
		case inboundEvent:
			changed = s.handle(e.record)
		case noticeExpiredEv:
			changed = s.expireNotice(e.gen)
		case subscribedEvent:
			changed = s.subscribed(e.sub, e.err)
		case closeEvent:
			s.teardown()
			e.reply <- struct{}{}
			return
		}
		if changed {
			s.changed()
		}
	}
}

func (s *Session) press() error {
	if s.state.LocalTalking {
		return nil
	}
	if err := s.cfg.Capture.StartCapture(s.onFrame); err != nil {
		s.logger.Error("cannot start capture", "error", err)
		return fmt.Errorf("start talking: %w", err)
	}

	s.pub.push(s.sender.StartTalking(), controlEnqueueWait)
	s.streaming.Store(true)
	s.state.LocalTalking = true
	return nil
}

func (s *Session) release() bool {
	if !s.state.LocalTalking {
		return false
	}
	s.streaming.Store(false)
	s.cfg.Capture.StopCapture()
	s.pub.push(s.sender.StopTalking(), controlEnqueueWait)
	s.state.LocalTalking = false
	return true
}

func (s *Session) handle(record models.SignalRecord) bool {
	sig, err := signaling.Accept(record, s.cfg.ParticipantID)
	if err != nil {
		if !errors.Is(err, signaling.ErrEcho) {
			s.logger.Debug("dropping signal", "signal_id", record.ID, "error", err)
		}
		return false
	}

	switch sig.Kind {
	case signaling.StartTalking:
		s.state.RemoteTalkingBy = sig.Payload
		return true
	case signaling.StopTalking:
		if !s.state.RemoteTalking() {
			return false
		}
		s.state.RemoteTalkingBy = ""
		return true
	case signaling.AudioChunk:
		s.play(sig)
		return false
	case signaling.Poke:
		s.showNotice(signaling.PokeText(sig.Payload))
		return true
	}
	return false
}

func (s *Session) play(sig signaling.Signal) {
	frame, err := codec.Decode(sig.Payload)
	if err != nil {
		s.logger.Debug("dropping audio chunk", "signal_id", sig.ID, "error", err)
		return
	}

	name := s.state.RemoteTalkingBy
	if name == "" {
		name = sig.SenderID
	}
	s.cfg.Presenter.PresentIncoming(name, frame, func(frame []byte) error {
		if err := s.cfg.Capture.Playback(frame); err != nil {
			s.logger.Warn("playback rejected", "signal_id", sig.ID, "error", err)
			return err
		}
		return nil
	})
}

func (s *Session) showNotice(text string) {
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
	s.noticeGen++
	gen := s.noticeGen

	s.state.Notice = text
	s.state.NoticeExpiry = s.cfg.Clock.Now().Add(s.cfg.NoticeTTL)
	s.noticeTimer = s.cfg.Clock.AfterFunc(s.cfg.NoticeTTL, func() {
		s.post(noticeExpiredEv{gen: gen})
	})
}

func (s *Session) expireNotice(gen uint64) bool {
	if gen != s.noticeGen || !s.state.HasNotice() {
		return false
	}
	s.state.Notice = ""
	s.state.NoticeExpiry = time.Time{}
	s.noticeTimer = nil
	return true
}

func (s *Session) subscribed(sub feed.Subscription, err error) bool {
	defer s.readyOnce.Do(func() { close(s.ready) })

	if err != nil {
		s.subErr = err
		s.logger.Warn("subscribe failed", "error", err)
		return false
	}
	s.sub = sub
	s.state.Subscribed = true
	s.logger.Debug("subscribed")
	return true
}

func (s *Session) teardown() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "error", err)
		}
		s.sub = nil
	}
	s.state.Subscribed = false

	s.release()

	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
		s.noticeTimer = nil
	}

	s.readyOnce.Do(func() {
		s.subErr = ErrClosed
		close(s.ready)
	})

	s.finalMu.Lock()
	s.final = s.state
	s.finalMu.Unlock()
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.state)
	}
}
