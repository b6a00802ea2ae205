// Package audio turns a live input device into fixed-size PCM frames and plays received
// frames back. Devices are reached through a Backend so the pipeline can run without hardware.
package audio

import (
	"errors"
	"fmt"

	"talkfeed/codec"
)

const (
	// DefaultSampleRate is the capture and playback rate in Hz.
	DefaultSampleRate = 48000
	// DefaultFramesPerBuffer is the number of samples delivered per capture callback.
	DefaultFramesPerBuffer = codec.FrameSamples
)

var (
	// ErrAlreadyCapturing is returned by StartCapture while a capture is running.
	ErrAlreadyCapturing = errors.New("audio: already capturing")
	// ErrClosed is returned after the pipeline has been closed.
	ErrClosed = errors.New("audio: pipeline closed")
)

// Format describes the PCM stream exchanged with a Backend. Only mono is produced.
type Format struct {
	SampleRate      float64
	FramesPerBuffer int
	Channels        int
}

// DefaultFormat returns mono float32 at DefaultSampleRate with DefaultFramesPerBuffer.
func DefaultFormat() Format {
	return Format{
		SampleRate:      DefaultSampleRate,
		FramesPerBuffer: DefaultFramesPerBuffer,
		Channels:        1,
	}
}

func (f Format) normalize() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.FramesPerBuffer <= 0 {
		f.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// Validate rejects formats whose frames would not fit in one chunk.
func (f Format) Validate() error {
	if f.Channels != 1 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if f.FramesPerBuffer*codec.BytesPerSample > codec.MaxFrameBytes {
		return fmt.Errorf("frames per buffer %d exceeds chunk limit", f.FramesPerBuffer)
	}
	return nil
}

// InputStream yields one buffer of samples per Read. Read blocks for about one buffer period;
// an empty buffer means nothing was captured. Close is never called while Read is running
// unless Read overstays the pipeline's teardown grace.
type InputStream interface {
	Read() ([]float32, error)
	Close() error
}

// Backend opens device streams.
type Backend interface {
	OpenInput(format Format) (InputStream, error)
	// Play blocks until samples have been rendered.
	Play(format Format, samples []float32) error
}

// DeviceError reports a capture or playback device failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
