package audio

import (
	"log/slog"
	"sync"
	"time"

	"talkfeed/codec"
)

const defaultTeardownGrace = time.Second

// FrameFunc receives one raw little-endian float32 frame. It is called from the capture
// goroutine and must not block.
type FrameFunc func(frame []byte)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFormat overrides the capture and playback format.
func WithFormat(format Format) Option {
	return func(p *Pipeline) { p.format = format.normalize() }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTeardownGrace bounds how long StopCapture waits for a pending Read before closing the
// device underneath it.
func WithTeardownGrace(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.grace = d
		}
	}
}

// Pipeline owns at most one capture at a time and any number of in-flight playbacks.
type Pipeline struct {
	backend Backend
	format  Format
	logger  *slog.Logger
	grace   time.Duration

	mu      sync.Mutex
	active  *capture
	closed  bool
	playing sync.WaitGroup
}

// NewPipeline creates a Pipeline over backend.
func NewPipeline(backend Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend: backend,
		format:  DefaultFormat(),
		logger:  slog.Default(),
		grace:   defaultTeardownGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Format returns the negotiated stream format.
func (p *Pipeline) Format() Format {
	return p.format
}

// Capturing reports whether a capture is running.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// StartCapture opens the input device and calls onFrame once per captured buffer until
// StopCapture. Device failures are returned as *DeviceError with nothing left open.
func (p *Pipeline) StartCapture(onFrame FrameFunc) error {
	if err := p.format.Validate(); err != nil {
		return &DeviceError{Op: "format", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.active != nil {
		return ErrAlreadyCapturing
	}

	stream, err := p.backend.OpenInput(p.format)
	if err != nil {
		return &DeviceError{Op: "open input", Err: err}
	}

	c := &capture{
		stream:  stream,
		onFrame: onFrame,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.active = c
	go p.run(c)

	p.logger.Debug("capture started",
		"sample_rate", p.format.SampleRate,
		"frames_per_buffer", p.format.FramesPerBuffer,
	)
	return nil
}

// StopCapture ends the running capture, if any. No onFrame call is in flight or will start
// once it returns.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	c := p.active
	p.active = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	p.stop(c)
}

func (p *Pipeline) stop(c *capture) {
	// Halting under the delivery lock fences off any callback already running.
	c.deliverMu.Lock()
	c.halt()
	c.deliverMu.Unlock()

	// The device is only closed once the capture goroutine has left Read.
	select {
	case <-c.done:
	case <-time.After(p.grace):
		p.logger.Warn("capture read still blocked after grace period, closing device", "grace", p.grace)
		c.closeStream(p.logger)
		select {
		case <-c.done:
		case <-time.After(p.grace):
			p.logger.Warn("capture goroutine did not exit after device close", "grace", p.grace)
		}
	}
	c.closeStream(p.logger)
	p.logger.Debug("capture stopped")
}

// Playback validates raw and renders it on its own goroutine. Malformed buffers are
// reported as *codec.DecodeError; device failures are only logged.
func (p *Pipeline) Playback(raw []byte) error {
	samples, err := codec.BytesToFloat32(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.playing.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.playing.Done()
		if err := p.backend.Play(p.format, samples); err != nil {
			p.logger.Error("playback failed", "error", &DeviceError{Op: "play", Err: err})
		}
	}()
	return nil
}

// Wait blocks until every started playback has finished.
func (p *Pipeline) Wait() {
	p.playing.Wait()
}

// Close stops capture, waits for playbacks and rejects further use.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	c := p.active
	p.active = nil
	p.mu.Unlock()

	if c != nil {
		p.stop(c)
	}
	p.playing.Wait()
	return nil
}

func (p *Pipeline) run(c *capture) {
	defer close(c.done)

	for {
		if c.halted() {
			return
		}

		samples, err := c.stream.Read()
		if err != nil {
			if c.halted() {
				return
			}
			p.logger.Error("capture failed", "error", &DeviceError{Op: "read input", Err: err})
			p.abandon(c)
			return
		}

		if len(samples) == 0 {
			continue
		}

		frame := codec.Float32ToBytes(samples)
		c.deliverMu.Lock()
		if c.halted() {
			c.deliverMu.Unlock()
			return
		}
		c.onFrame(frame)
		c.deliverMu.Unlock()
	}
}

// abandon returns the pipeline to idle after a device failure mid-capture.
func (p *Pipeline) abandon(c *capture) {
	p.mu.Lock()
	if p.active == c {
		p.active = nil
	}
	p.mu.Unlock()

	c.halt()
	c.closeStream(p.logger)
}

type capture struct {
	stream    InputStream
	onFrame   FrameFunc
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	deliverMu sync.Mutex
}

func (c *capture) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *capture) halted() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *capture) closeStream(logger *slog.Logger) {
	c.closeOnce.Do(func() {
		if err := c.stream.Close(); err != nil {
			logger.Warn("closing input stream failed", "error", err)
		}
	})
}
