// Package audiotest provides an in-memory audio.Backend for tests.
package audiotest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"talkfeed/audio"
)

// DefaultReadPeriod is how long a Read waits for fed samples before returning an empty buffer.
const DefaultReadPeriod = 2 * time.Millisecond

// Backend is a scriptable device. Frames pushed with Feed are returned by the open input
// stream; buffers passed to Play are recorded.
type Backend struct {
	mu         sync.Mutex
	readPeriod time.Duration
	openErr    error
	playErr error
	opened  int
	stream  *Stream
	played  [][]float32
	notify  chan struct{}
}

// NewBackend returns an idle Backend.
func NewBackend() *Backend {
	return &Backend{readPeriod: DefaultReadPeriod, notify: make(chan struct{}, 1)}
}

// SetReadPeriod changes how long each Read of streams opened afterwards blocks when nothing
// is fed.
func (b *Backend) SetReadPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.readPeriod = d
	b.mu.Unlock()
}

// FailOpen makes the next OpenInput calls fail with err. Pass nil to clear.
func (b *Backend) FailOpen(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// FailPlay makes Play fail with err. Pass nil to clear.
func (b *Backend) FailPlay(err error) {
	b.mu.Lock()
	b.playErr = err
	b.mu.Unlock()
}

func (b *Backend) OpenInput(audio.Format) (audio.InputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened++
	b.stream = &Stream{
		period: b.readPeriod,
		frames: make(chan []float32),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	return b.stream, nil
}

func (b *Backend) Play(_ audio.Format, samples []float32) error {
	b.mu.Lock()
	if b.playErr != nil {
		err := b.playErr
		b.mu.Unlock()
		return err
	}
	b.played = append(b.played, append([]float32(nil), samples...))
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Feed hands samples to the open input stream. It reports false when no stream is open or
// the stream is closed before the samples are read.
func (b *Backend) Feed(samples []float32) bool {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case s.frames <- samples:
		return true
	case <-s.closed:
		return false
	}
}

// FailRead makes the open input stream return err from its next Read.
func (b *Backend) FailRead(err error) {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s != nil {
		s.errs <- err
	}
}

// Opened returns how many input streams have been opened.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// InputOpen reports whether the most recent input stream is still open.
func (b *Backend) InputOpen() bool {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	return s != nil && !s.Closed()
}

// ClosedDuringRead reports whether the most recent input stream was closed while a Read was
// still running.
func (b *Backend) ClosedDuringRead() bool {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	return s != nil && s.closedMidRead.Load()
}

// Played returns a copy of every buffer played so far.
func (b *Backend) Played() [][]float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]float32, len(b.played))
	copy(out, b.played)
	return out
}

// WaitPlayed waits until at least n buffers have been played or timeout elapses.
func (b *Backend) WaitPlayed(n int, timeout time.Duration) [][]float32 {
	deadline := time.After(timeout)
	for {
		played := b.Played()
		if len(played) >= n {
			return played
		}
		select {
		case <-b.notify:
		case <-deadline:
			return played
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Stream is the input side of Backend.
type Stream struct {
	period        time.Duration
	frames        chan []float32
	errs          chan error
	closed        chan struct{}
	once          sync.Once
	reading       atomic.Bool
	closedMidRead atomic.Bool
}

func (s *Stream) Read() ([]float32, error) {
	s.reading.Store(true)
	defer s.reading.Store(false)

	timer := time.NewTimer(s.period)
	defer timer.Stop()

	select {
	case samples := <-s.frames:
		return samples, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, io.EOF
	case <-timer.C:
		return nil, nil
	}
}

func (s *Stream) Close() error {
	if s.reading.Load() {
		s.closedMidRead.Store(true)
	}
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
