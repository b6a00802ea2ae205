package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"talkfeed/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to sealed links.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Link
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns asynchronous server errors, mostly failed handshakes.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	nonce, err := generateHandshakeChallengeNonce()
	if err != nil {
		s.reportError(fmt.Errorf("generate handshake challenge nonce: %w", err))
		return
	}
	challengePayload, err := EncodeJSON(HandshakeChallenge{
		Type:  TypeHandshakeChallenge,
		Nonce: nonce,
	})
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, challengePayload); err != nil {
		s.reportError(fmt.Errorf("write handshake challenge: %w", err))
		return
	}

	handshakePayload, err := ReadControlFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	msgType, err := DecodeMessageType(handshakePayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != TypeHandshake {
		_ = s.sendError(conn, NewErrorMessage(CodeUnknownType, fmt.Sprintf("Expected %q, got %q", TypeHandshake, msgType), ""))
		return
	}

	handshake, err := decodeHandshake(handshakePayload)
	if err != nil {
		s.reportError(err)
		return
	}

	if handshake.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(conn, makeVersionMismatchError(int64(handshake.ProtocolVersion)))
		return
	}
	if handshake.ChallengeNonce != nonce {
		_ = s.sendError(conn, NewErrorMessage(CodeInvalidChallenge, "Handshake challenge nonce mismatch.", ""))
		return
	}

	if _, err := VerifyHandshakeMessage(handshake); err != nil {
		_ = s.sendError(conn, NewErrorMessage(CodeInvalidHandshake, "Handshake verification failed.", ""))
		s.reportError(&HandshakeError{PeerID: handshake.PeerID, Addr: conn.RemoteAddr().String(), Err: err})
		return
	}

	if err := evaluatePeerKey(handshake.PeerID, handshake.Ed25519PublicKey, s.options.KnownPeerKeys, s.options.KnownPeerKeyLookup, s.options.OnKeyChangeDecision); err != nil {
		_ = s.sendError(conn, NewErrorMessage(CodeKeyChanged, err.Error(), ""))
		s.reportError(&HandshakeError{PeerID: handshake.PeerID, Addr: conn.RemoteAddr().String(), Err: err})
		return
	}

	remote := RemoteIdentity{
		ID:        handshake.PeerID,
		Name:      handshake.PeerName,
		PublicKey: handshake.Ed25519PublicKey,
	}
	if s.options.AdmitPeer != nil {
		if err := s.options.AdmitPeer(remote); err != nil {
			code, message := CodeInternal, "Participant was not admitted."
			switch {
			case errors.Is(err, ErrKeyChanged):
				code = CodeKeyChanged
			case errors.Is(err, ErrPeerRefused):
				code, message = CodeForbidden, err.Error()
			}
			_ = s.sendError(conn, NewErrorMessage(code, message, ""))
			s.reportError(&HandshakeError{PeerID: handshake.PeerID, Addr: conn.RemoteAddr().String(), Err: err})
			return
		}
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		s.reportError(err)
		return
	}

	keys, err := deriveLinkKeys(localEphemeralPrivateKey, handshake.X25519PublicKey, handshake.PeerID, s.options.Identity.ID, nonce)
	if err != nil {
		s.reportError(err)
		return
	}

	response, err := BuildHandshakeResponse(s.options.Identity, localEphemeralPublicKey, nonce)
	if err != nil {
		s.reportError(err)
		return
	}
	responsePayload, err := EncodeJSON(response)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, responsePayload); err != nil {
		s.reportError(fmt.Errorf("write handshake response: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	link, err := newLink(conn, keys.RelayToClient, keys.ClientToRelay, s.options.linkOptions(remote))
	if err != nil {
		s.reportError(err)
		return
	}

	closeConn = false
	select {
	case s.incoming <- link:
	case <-s.closed:
		_ = link.Close()
	}
}

func (s *Server) sendError(conn net.Conn, message ErrorMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
