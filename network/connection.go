package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"talkfeed/crypto"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one link.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// LinkOptions controls runtime behavior of a Link.
type LinkOptions struct {
	LocalID           string
	Remote            RemoteIdentity
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// Link is a handshaked TCP session whose frames are sealed with per-direction keys.
type Link struct {
	conn net.Conn

	sealer *crypto.FrameSealer
	opener *crypto.FrameOpener

	localID string
	remote  RemoteIdentity

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, sealKey, openKey []byte, options LinkOptions) (*Link, error) {
	sealer, err := crypto.NewFrameSealer(sealKey)
	if err != nil {
		return nil, err
	}
	opener, err := crypto.NewFrameOpener(openKey)
	if err != nil {
		return nil, err
	}

	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	link := &Link{
		conn:              conn,
		sealer:            sealer,
		opener:            opener,
		localID:           options.LocalID,
		remote:            options.Remote,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	link.touchActivity()
	link.setState(StateReady)
	go link.readLoop()
	go link.keepAliveLoop()

	return link, nil
}

// Remote returns the verified identity of the far end.
func (l *Link) Remote() RemoteIdentity {
	return l.remote
}

// RemoteAddr returns the far end's network address.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// SendMessage marshals a protocol message and writes it as one sealed frame.
func (l *Link) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return l.SendRaw(payload)
}

// SendRaw seals a pre-marshaled payload and writes it as one frame.
func (l *Link) SendRaw(payload []byte) error {
	if l.State() == StateDisconnected {
		return l.terminalError()
	}

	// Sequence assignment and the write share one lock so frames hit the wire in seq order.
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := WriteFrame(l.conn, l.sealer.Seal(payload)); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	l.touchActivity()
	if msgType, err := DecodeMessageType(payload); err == nil && msgType != TypePing && msgType != TypePong {
		l.setState(StateReady)
	}
	return nil
}

// ReceiveMessage waits for the next non-keepalive inbound protocol payload.
func (l *Link) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-l.inbound:
		return payload, nil
	case <-l.closed:
		// Drain what was queued before the close.
		select {
		case payload := <-l.inbound:
			return payload, nil
		default:
		}
		return nil, l.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends disconnect and closes the link.
func (l *Link) Disconnect() error {
	if l.State() == StateDisconnected {
		return nil
	}
	l.setState(StateDisconnecting)

	_ = l.SendMessage(DisconnectMessage{
		Type:      TypeDisconnect,
		FromID:    l.localID,
		Timestamp: time.Now().UnixMilli(),
	})

	return l.Close()
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) terminalError() error {
	if err := l.LastError(); err != nil {
		return err
	}
	return io.EOF
}

func (l *Link) readLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}

			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()

		payload, err := l.opener.Open(frame)
		if err != nil {
			l.closeWithError(fmt.Errorf("open frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			select {
			case l.inbound <- payload:
			case <-l.closed:
			}
			continue
		}

		switch msgType {
		case TypePing:
			l.setState(StateIdle)
			if l.autoRespondPing {
				_ = l.SendMessage(PongMessage{
					Type:      TypePong,
					FromID:    l.localID,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		case TypePong:
			l.ackPong()
			l.setState(StateIdle)
		case TypeDisconnect:
			l.setState(StateDisconnecting)
			l.closeWithError(nil)
			return
		default:
			l.setState(StateReady)
			select {
			case l.inbound <- payload:
			case <-l.closed:
				return
			}
		}
	}
}

func (l *Link) keepAliveLoop() {
	checkEvery := l.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.State() == StateDisconnected {
				return
			}

			if l.waitingPongExpired() {
				l.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < l.keepAliveInterval {
				continue
			}

			if l.isWaitingPong() {
				continue
			}

			if err := l.SendMessage(PingMessage{
				Type:      TypePing,
				FromID:    l.localID,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			l.setWaitingPong(time.Now().Add(l.keepAliveTimeout))
			l.setState(StateIdle)
		case <-l.closed:
			return
		}
	}
}

func (l *Link) setState(state ConnectionState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateDisconnected {
		return
	}
	l.state = state
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *Link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *Link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *Link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		l.stateMu.Lock()
		l.state = StateDisconnected
		l.stateMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}
