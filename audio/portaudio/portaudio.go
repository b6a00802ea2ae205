// Package portaudio implements audio.Backend on the host's default PortAudio devices.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"talkfeed/audio"
)

// Backend plays and captures through the default input and output devices. Open must be
// called before use and Close once afterwards.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// Open initializes PortAudio.
func Open() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return portaudio.Terminate()
}

func (b *Backend) OpenInput(format audio.Format) (audio.InputStream, error) {
	buf := make([]float32, format.FramesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, format.SampleRate, format.FramesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &inputStream{stream: stream, buf: buf}, nil
}

// Play renders samples on a dedicated output stream, padding the last buffer with silence.
func (b *Backend) Play(format audio.Format, samples []float32) error {
	out := make([]float32, format.FramesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, format.SampleRate, format.FramesPerBuffer, out)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	for offset := 0; offset < len(samples); offset += len(out) {
		n := copy(out, samples[offset:])
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if err := stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	once   sync.Once
	err    error
}

func (s *inputStream) Read() ([]float32, error) {
	if err := s.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return nil, err
	}
	frame := make([]float32, len(s.buf))
	copy(frame, s.buf)
	return frame, nil
}

func (s *inputStream) Close() error {
	s.once.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.err = err
		}
		if err := s.stream.Close(); err != nil && s.err == nil {
			s.err = err
		}
	})
	return s.err
}
