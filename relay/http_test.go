package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	appcrypto "talkfeed/crypto"
	"talkfeed/feed"
	"talkfeed/models"
	"talkfeed/network"
	"talkfeed/signaling"
	"talkfeed/storage"
)

func newTestHTTP(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)

	var health healthResponse
	status := getJSON(t, srv.URL+"/healthz", &health)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, svc.ID(), health.RelayID)
	require.Equal(t, network.ProtocolVersion, health.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)

	getJSON(t, srv.URL+"/healthz", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `talkfeed_http_requests_total{endpoint="/healthz",method="GET",status_code="200"} 1`)
}

func TestListRoomsAndSignalsOverHTTP(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)
	alice := connectParticipant(t, svc, "alice", "Alice")

	room, err := alice.CreateRoom(context.Background(), "Crew")
	require.NoError(t, err)

	var rooms struct {
		Rooms []models.Room `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/rooms", &rooms))
	require.Len(t, rooms.Rooms, 1)
	require.Equal(t, room.ID, rooms.Rooms[0].ID)

	sender := signaling.NewSender(feed.Room(room.ID), "alice", "Alice")
	first, second := sender.StartTalking(), sender.StopTalking()
	require.NoError(t, svc.Hub().Publish(context.Background(), first))
	require.NoError(t, svc.Hub().Publish(context.Background(), second))

	var page struct {
		Signals []signalRow `json:"signals"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/signals?column=room_id&value="+room.ID, &page))
	require.Len(t, page.Signals, 2)
	require.Equal(t, first.ID, page.Signals[0].ID)

	after := page.Signals[0].Seq
	page.Signals = nil
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/signals?column=room_id&value="+room.ID+"&after="+strconv.FormatInt(after, 10), &page))
	require.Len(t, page.Signals, 1)
	require.Equal(t, second.ID, page.Signals[0].ID)

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/signals?column=sender_id&value=alice", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/signals?column=room_id&value=x&limit=-1", nil))
}

func feedURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/feed"
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(feedURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msgType, err := network.DecodeMessageType(payload)
	require.NoError(t, err)
	return msgType, payload
}

func requireGatewayError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	msgType, payload := readFrame(t, conn)
	require.Equal(t, network.TypeError, msgType)
	var msg network.ErrorMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, code, msg.Code)
}

// gatewayAuth sends hello for participantID and answers the challenge with key. It returns
// the frame that follows the answer.
func gatewayAuth(t *testing.T, conn *websocket.Conn, participantID string, key ed25519.PrivateKey) (string, []byte) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(HelloMessage{Type: TypeHello, ParticipantID: participantID}))

	msgType, payload := readFrame(t, conn)
	require.Equal(t, TypeChallenge, msgType)
	var challenge ChallengeMessage
	require.NoError(t, json.Unmarshal(payload, &challenge))
	require.NotEmpty(t, challenge.Nonce)

	signature, err := appcrypto.SignChallenge(key, GatewayAuthPurpose, challenge.RelayID, participantID, challenge.Nonce)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(AuthMessage{Type: TypeAuth, Signature: signature}))
	return readFrame(t, conn)
}

func TestGatewayRejectsUnknownParticipant(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)
	conn := dialFeed(t, srv)

	require.NoError(t, conn.WriteJSON(HelloMessage{Type: TypeHello, ParticipantID: "ghost"}))
	requireGatewayError(t, conn, network.CodeNotFound)
}

func TestGatewayRejectsParticipantWithoutPinnedKey(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)
	require.NoError(t, svc.store.UpsertParticipant(context.Background(), models.Participant{ID: "alice", DisplayName: "Alice"}))

	conn := dialFeed(t, srv)
	require.NoError(t, conn.WriteJSON(HelloMessage{Type: TypeHello, ParticipantID: "alice"}))
	requireGatewayError(t, conn, network.CodeForbidden)
}

func TestGatewayRejectsAnswerFromOtherKey(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)
	alice := connectParticipant(t, svc, "alice", "Alice")
	connectParticipant(t, svc, "bob", "Bob")

	got := &recorder{}
	_, err := alice.Subscribe(context.Background(), feed.Direct("alice", "bob").Filter(), got.handle)
	require.NoError(t, err)

	conn := dialFeed(t, srv)
	impostor := newIdentity(t, "bob", "Bob")
	msgType, payload := gatewayAuth(t, conn, "bob", impostor.Ed25519PrivateKey)
	require.Equal(t, network.TypeError, msgType)
	var msg network.ErrorMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, network.CodeForbidden, msg.Code)

	forged := signaling.NewSender(feed.Direct("bob", "alice"), "bob", "Bob").Poke()
	_ = conn.WriteJSON(network.PublishMessage{Type: network.TypePublish, Signal: forged})

	require.Eventually(t, func() bool {
		events, err := svc.store.SecurityEvents(context.Background(), storage.SecurityEventFilter{EventType: "gateway_auth_failed"})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, svc.Hub().Len(), "only alice's link subscription is registered")
	require.Empty(t, got.ids())
}

func TestGatewayChecksOrigin(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)

	_, resp, err := websocket.DefaultDialer.Dial(feedURL(srv), http.Header{"Origin": []string{"http://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(feedURL(srv), http.Header{"Origin": []string{srv.URL}})
	require.NoError(t, err, "same-origin pages are allowed")
	_ = conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(feedURL(srv), nil)
	require.NoError(t, err, "non-browser clients send no origin")
	_ = conn.Close()
}

func TestCheckOriginHonorsAllowedOrigins(t *testing.T) {
	svc := newTestService(t)
	svc.cfg.HTTP.AllowedOrigins = []string{"https://console.example/"}

	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://relay.local:7421/v1/feed", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	require.True(t, svc.checkOrigin(request("")))
	require.True(t, svc.checkOrigin(request("http://relay.local:7421")))
	require.True(t, svc.checkOrigin(request("https://console.example")))
	require.False(t, svc.checkOrigin(request("http://console.example")))
	require.False(t, svc.checkOrigin(request("http://evil.example")))
	require.False(t, svc.checkOrigin(request("://bad")))

	svc.cfg.HTTP.AllowedOrigins = []string{"*"}
	require.True(t, svc.checkOrigin(request("http://evil.example")))
}

func TestGatewayBridgesLinkAndWebSocket(t *testing.T) {
	svc := newTestService(t)
	srv := newTestHTTP(t, svc)
	bob := connectParticipant(t, svc, "bob", "Bob")

	alice := newIdentity(t, "alice", "Alice")
	connect(t, svc, alice)

	conn := dialFeed(t, srv)
	msgType, payload := gatewayAuth(t, conn, "alice", alice.Ed25519PrivateKey)
	require.Equal(t, TypeWelcome, msgType)
	var welcome WelcomeMessage
	require.NoError(t, json.Unmarshal(payload, &welcome))
	require.Equal(t, svc.ID(), welcome.RelayID)
	require.Equal(t, "alice", welcome.ParticipantID)

	filter := feed.Direct("alice", "bob").Filter()
	require.NoError(t, conn.WriteJSON(network.SubscribeMessage{
		Type:           network.TypeSubscribe,
		RequestID:      "req-1",
		SubscriptionID: "ws-sub",
		Column:         filter.Column,
		Value:          filter.Value,
	}))
	msgType, _ = readFrame(t, conn)
	require.Equal(t, network.TypeSubscribed, msgType)

	got := &recorder{}
	_, err := bob.Subscribe(context.Background(), filter, got.handle)
	require.NoError(t, err)

	poke := signaling.NewSender(feed.Direct("bob", "alice"), "bob", "Bob").Poke()
	require.NoError(t, bob.Publish(context.Background(), poke))

	msgType, payload = readFrame(t, conn)
	require.Equal(t, network.TypeSignal, msgType)
	var delivered network.SignalMessage
	require.NoError(t, json.Unmarshal(payload, &delivered))
	require.Equal(t, "ws-sub", delivered.SubscriptionID)
	require.Equal(t, poke.ID, delivered.Signal.ID)

	reply := signaling.NewSender(feed.Direct("alice", "bob"), "alice", "Alice").Poke()
	require.NoError(t, conn.WriteJSON(network.PublishMessage{Type: network.TypePublish, Signal: reply}))
	require.Eventually(t, func() bool {
		for _, id := range got.ids() {
			if id == reply.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
