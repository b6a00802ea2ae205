package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appcrypto "talkfeed/crypto"
	"talkfeed/network"
	"talkfeed/storage"
)

const (
	// TypeHello opens a gateway session.
	TypeHello = "hello"
	// TypeChallenge asks the client to prove it holds the participant's pinned key.
	TypeChallenge = "challenge"
	// TypeAuth answers a challenge.
	TypeAuth = "auth"
	// TypeWelcome confirms the participant after a valid answer.
	TypeWelcome = "welcome"

	// GatewayAuthPurpose is the purpose line of the text signed in an auth answer. See
	// crypto.ChallengeSignable.
	GatewayAuthPurpose = "talkfeed-gateway-auth-v1"

	gatewayWriteWait      = 10 * time.Second
	gatewayAuthWait       = 10 * time.Second
	gatewayPongWait       = 60 * time.Second
	gatewayPingPeriod     = (gatewayPongWait * 9) / 10
	gatewayMaxMessageSize = 128 * 1024
	gatewaySendBuffer     = 256
)

var (
	errGatewayClosed     = errors.New("relay: gateway connection closed")
	errGatewayBufferFull = errors.New("relay: gateway send buffer full")
	errGatewayAuth       = errors.New("relay: gateway authentication failed")
)

// HelloMessage names the participant a gateway connection wants to speak for.
type HelloMessage struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// ChallengeMessage carries the nonce the client must sign with its pinned key.
type ChallengeMessage struct {
	Type    string `json:"type"`
	RelayID string `json:"relay_id"`
	Nonce   string `json:"nonce"`
}

// AuthMessage answers a challenge with a base64 Ed25519 signature over
// crypto.ChallengeSignable(GatewayAuthPurpose, relay ID, participant ID, nonce).
type AuthMessage struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

// WelcomeMessage confirms a gateway session.
type WelcomeMessage struct {
	Type          string `json:"type"`
	RelayID       string `json:"relay_id"`
	ParticipantID string `json:"participant_id"`
}

// wsPeer queues outbound JSON text frames for a single writer goroutine.
type wsPeer struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn: conn,
		send: make(chan []byte, gatewaySendBuffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) SendMessage(message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errGatewayClosed
	default:
	}
	select {
	case p.send <- payload:
		return nil
	case <-p.done:
		return errGatewayClosed
	default:
		return errGatewayBufferFull
	}
}

func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
	return nil
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(gatewayPingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.Close()
	}()

	for {
		select {
		case payload := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// handleFeedSocket serves GET /v1/feed. The first text frame must be hello; after that the
// connection speaks the link message set as JSON text frames.
func (s *Service) handleFeedSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(gatewayMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(gatewayAuthWait))

	participantID, err := s.authenticateGateway(r.Context(), conn, r.RemoteAddr)
	if err != nil {
		s.logger.Debug("gateway client rejected", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	})

	out := newWSPeer(conn)
	logger := s.logger.With("participant_id", participantID, "transport", "websocket")
	sess := s.newSession(participantID, out, logger)
	if !s.trackSession(sess) {
		_ = out.Close()
		return
	}
	defer s.untrackSession(sess)
	defer out.Close()

	s.metrics.RecordWebSocketOpened()
	defer s.metrics.RecordWebSocketClosed()
	go out.writePump()

	_ = out.SendMessage(WelcomeMessage{Type: TypeWelcome, RelayID: s.identity.ID, ParticipantID: participantID})
	logger.Info("gateway client connected", "remote", r.RemoteAddr)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("gateway read error", "error", err)
			}
			logger.Info("gateway client disconnected")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		sess.handle(payload)
	}
}

// checkOrigin admits non-browser clients, same-origin pages and configured origins.
func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.HTTP.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Debug("gateway origin rejected", "origin", origin, "host", r.Host)
	return false
}

// authenticateGateway runs hello, challenge and auth. The participant must already be
// registered with a pinned key, and the answer must be signed with that key.
func (s *Service) authenticateGateway(ctx context.Context, conn *websocket.Conn, remoteAddr string) (string, error) {
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != TypeHello || hello.ParticipantID == "" {
		s.writeGatewayError(conn, network.CodeInvalidRequest, "first message must be hello with participant_id")
		return "", errors.New("missing hello")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	participant, err := s.store.GetParticipant(lookupCtx, hello.ParticipantID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeGatewayError(conn, network.CodeNotFound, "participant is not registered with this relay")
		} else {
			s.writeGatewayError(conn, network.CodeInternal, "participant lookup failed")
		}
		return "", err
	}
	if participant.PublicKey == "" {
		s.writeGatewayError(conn, network.CodeForbidden, "participant has no pinned key; connect over a link first")
		return "", fmt.Errorf("participant %q has no pinned key", hello.ParticipantID)
	}

	nonce, err := appcrypto.NewChallengeNonce()
	if err != nil {
		s.writeGatewayError(conn, network.CodeInternal, "challenge unavailable")
		return "", err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
	if err := conn.WriteJSON(ChallengeMessage{Type: TypeChallenge, RelayID: s.identity.ID, Nonce: nonce}); err != nil {
		return "", err
	}

	_, payload, err = conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var auth AuthMessage
	if err := json.Unmarshal(payload, &auth); err != nil || auth.Type != TypeAuth {
		s.writeGatewayError(conn, network.CodeInvalidRequest, "challenge must be answered with auth")
		return "", errors.New("missing auth")
	}
	if !appcrypto.VerifyChallenge(participant.PublicKey, GatewayAuthPurpose, s.identity.ID, participant.ID, nonce, auth.Signature) {
		s.metrics.RecordHandshakeFailure()
		s.logSecurityEvent("gateway_auth_failed", participant.ID, storage.SecuritySeverityWarning, map[string]string{
			"addr": remoteAddr,
		})
		s.writeGatewayError(conn, network.CodeForbidden, "challenge answer does not match the pinned key")
		return "", errGatewayAuth
	}
	return participant.ID, nil
}

func (s *Service) writeGatewayError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
	_ = conn.WriteJSON(network.NewErrorMessage(code, message, ""))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(gatewayWriteWait))
}
