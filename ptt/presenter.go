package ptt

// PlayFunc hands a decoded frame to the playback pipeline.
type PlayFunc func(frame []byte) error

// Presenter surfaces an inbound talk burst to the host before it is heard. Implementations
// must eventually call play, or drop the frame and log why.
type Presenter interface {
	PresentIncoming(displayName string, frame []byte, play PlayFunc)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(displayName string, frame []byte, play PlayFunc)

func (f PresenterFunc) PresentIncoming(displayName string, frame []byte, play PlayFunc) {
	f(displayName, frame, play)
}

// DirectPresenter plays every frame immediately.
var DirectPresenter Presenter = PresenterFunc(func(_ string, frame []byte, play PlayFunc) {
	_ = play(frame)
})
