package audio_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkfeed/audio"
	"talkfeed/audio/audiotest"
	"talkfeed/codec"
)

func TestCaptureDeliversFramesUntilStopped(t *testing.T) {
	backend := audiotest.NewBackend()
	p := audio.NewPipeline(backend)
	defer p.Close()

	frames := make(chan []byte, 4)
	require.NoError(t, p.StartCapture(func(frame []byte) { frames <- frame }))
	require.True(t, p.Capturing())

	require.True(t, backend.Feed([]float32{0.5, -0.5}))
	select {
	case frame := <-frames:
		require.Equal(t, codec.Float32ToBytes([]float32{0.5, -0.5}), frame)
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}

	p.StopCapture()
	p.StopCapture()
	require.False(t, p.Capturing())
	require.False(t, backend.InputOpen())
	require.False(t, backend.Feed([]float32{1}))
}

func TestStartCaptureTwiceFails(t *testing.T) {
	p := audio.NewPipeline(audiotest.NewBackend())
	defer p.Close()

	require.NoError(t, p.StartCapture(func([]byte) {}))
	require.ErrorIs(t, p.StartCapture(func([]byte) {}), audio.ErrAlreadyCapturing)
}

func TestStartCaptureReportsDeviceError(t *testing.T) {
	backend := audiotest.NewBackend()
	unavailable := errors.New("no input device")
	backend.FailOpen(unavailable)

	p := audio.NewPipeline(backend)
	defer p.Close()

	err := p.StartCapture(func([]byte) {})
	var deviceErr *audio.DeviceError
	require.ErrorAs(t, err, &deviceErr)
	require.ErrorIs(t, err, unavailable)
	require.False(t, p.Capturing())

	backend.FailOpen(nil)
	require.NoError(t, p.StartCapture(func([]byte) {}))
}

func TestNoFrameAfterStopReturns(t *testing.T) {
	backend := audiotest.NewBackend()
	p := audio.NewPipeline(backend)
	defer p.Close()

	var stopped atomic.Bool
	var late atomic.Int32
	require.NoError(t, p.StartCapture(func([]byte) {
		if stopped.Load() {
			late.Add(1)
		}
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for backend.Feed([]float32{0.1}) {
		}
	}()

	time.Sleep(10 * time.Millisecond)
	p.StopCapture()
	stopped.Store(true)
	wg.Wait()

	require.Zero(t, late.Load())
}

func TestStopCaptureWaitsForReadBeforeClosingDevice(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.SetReadPeriod(20 * time.Millisecond)
	p := audio.NewPipeline(backend)
	defer p.Close()

	require.NoError(t, p.StartCapture(func([]byte) {}))
	time.Sleep(5 * time.Millisecond)

	p.StopCapture()
	require.False(t, backend.InputOpen())
	require.False(t, backend.ClosedDuringRead(), "device closed while Read was in flight")
}

func TestStopCaptureClosesDeviceWhenReadOverstaysGrace(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.SetReadPeriod(time.Hour)
	p := audio.NewPipeline(backend, audio.WithTeardownGrace(20*time.Millisecond))
	defer p.Close()

	require.NoError(t, p.StartCapture(func([]byte) {}))
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	p.StopCapture()
	require.Less(t, time.Since(start), time.Second)
	require.False(t, backend.InputOpen())
	require.True(t, backend.ClosedDuringRead())
}

func TestReadFailureReturnsPipelineToIdle(t *testing.T) {
	backend := audiotest.NewBackend()
	p := audio.NewPipeline(backend)
	defer p.Close()

	require.NoError(t, p.StartCapture(func([]byte) {}))
	backend.FailRead(errors.New("device unplugged"))

	require.Eventually(t, func() bool { return !p.Capturing() }, time.Second, 5*time.Millisecond)
	require.False(t, backend.InputOpen())
	require.NoError(t, p.StartCapture(func([]byte) {}))
}

func TestPlaybackValidatesAndPlays(t *testing.T) {
	backend := audiotest.NewBackend()
	p := audio.NewPipeline(backend)

	var decodeErr *codec.DecodeError
	require.ErrorAs(t, p.Playback(nil), &decodeErr)
	require.ErrorAs(t, p.Playback([]byte{1, 2, 3}), &decodeErr)

	require.NoError(t, p.Playback(codec.Float32ToBytes([]float32{0.25})))
	require.NoError(t, p.Playback(codec.Float32ToBytes([]float32{0.5})))
	require.NoError(t, p.Close())

	played := backend.Played()
	require.Len(t, played, 2)
	require.ErrorIs(t, p.Playback(codec.Float32ToBytes([]float32{0.5})), audio.ErrClosed)
}

func TestPlaybackDeviceFailureIsNotReturned(t *testing.T) {
	backend := audiotest.NewBackend()
	backend.FailPlay(errors.New("output busy"))
	p := audio.NewPipeline(backend)

	require.NoError(t, p.Playback(codec.Float32ToBytes([]float32{0.25})))
	p.Wait()
	require.Empty(t, backend.Played())
}

func TestFormatValidation(t *testing.T) {
	require.NoError(t, audio.DefaultFormat().Validate())

	stereo := audio.DefaultFormat()
	stereo.Channels = 2
	require.Error(t, stereo.Validate())

	huge := audio.DefaultFormat()
	huge.FramesPerBuffer = codec.MaxFrameBytes
	require.Error(t, huge.Validate())

	p := audio.NewPipeline(audiotest.NewBackend(), audio.WithFormat(huge))
	var deviceErr *audio.DeviceError
	require.ErrorAs(t, p.StartCapture(func([]byte) {}), &deviceErr)
}
