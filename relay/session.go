package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkfeed/feed"
	"talkfeed/models"
	"talkfeed/network"
	"talkfeed/storage"
)

const requestTimeout = 5 * time.Second

// peer is the transport a session answers on: a sealed link or a WebSocket.
type peer interface {
	SendMessage(message any) error
	Close() error
}

// session serves one authenticated participant. handle is called from a single reader
// goroutine; subscription handlers run on hub goroutines.
type session struct {
	svc           *Service
	participantID string
	out           peer
	logger        *slog.Logger

	mu       sync.Mutex
	subs     map[string]feed.Subscription
	released bool
}

func (s *Service) newSession(participantID string, out peer, logger *slog.Logger) *session {
	return &session{
		svc:           s,
		participantID: participantID,
		out:           out,
		logger:        logger,
		subs:          make(map[string]feed.Subscription),
	}
}

func (s *session) handle(payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		s.logger.Debug("dropping malformed frame", "error", err)
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed message", ""))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msgType {
	case network.TypePublish:
		s.handlePublish(ctx, payload)
	case network.TypeSubscribe:
		s.handleSubscribe(ctx, payload)
	case network.TypeUnsubscribe:
		s.handleUnsubscribe(payload)
	case network.TypeLookupParticipant:
		s.handleLookupParticipant(ctx, payload)
	case network.TypeCreateRoom:
		s.handleCreateRoom(ctx, payload)
	case network.TypeListRooms:
		s.handleListRooms(ctx, payload)
	default:
		s.reply(network.NewErrorMessage(network.CodeUnknownType, fmt.Sprintf("unsupported message type %q", msgType), ""))
	}
}

func (s *session) handlePublish(ctx context.Context, payload []byte) {
	var msg network.PublishMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed publish", ""))
		return
	}

	record := msg.Signal
	if err := s.authorizePublish(ctx, record); err != nil {
		s.fail(err, msg.RequestID)
		return
	}

	if err := s.svc.hub.Publish(ctx, record); err != nil {
		s.logger.Warn("publish failed", "signal_id", record.ID, "type", record.Type, "error", err)
		s.fail(err, msg.RequestID)
	}
}

func (s *session) handleSubscribe(ctx context.Context, payload []byte) {
	var msg network.SubscribeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed subscribe", ""))
		return
	}
	if msg.SubscriptionID == "" {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "subscription_id is required", msg.RequestID))
		return
	}

	filter := feed.Filter{Column: msg.Column, Value: msg.Value}
	if err := s.authorizeFilter(ctx, filter); err != nil {
		s.fail(err, msg.RequestID)
		return
	}

	s.mu.Lock()
	_, inUse := s.subs[msg.SubscriptionID]
	released := s.released
	s.mu.Unlock()
	if released {
		return
	}
	if inUse {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "subscription_id already in use", msg.RequestID))
		return
	}

	subscriptionID := msg.SubscriptionID
	sub, err := s.svc.hub.Subscribe(ctx, filter, func(record models.SignalRecord) {
		err := s.out.SendMessage(network.SignalMessage{
			Type:           network.TypeSignal,
			SubscriptionID: subscriptionID,
			Signal:         record,
		})
		if err != nil {
			s.logger.Debug("signal delivery failed", "subscription", subscriptionID, "signal_id", record.ID, "error", err)
		}
	})
	if err != nil {
		s.fail(err, msg.RequestID)
		return
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	s.subs[subscriptionID] = sub
	s.mu.Unlock()
	s.svc.metrics.SetActiveSubscriptions(s.svc.hub.Len())

	s.logger.Debug("subscribed", "subscription", subscriptionID, "column", filter.Column, "value", filter.Value)
	s.reply(network.SubscribedMessage{
		Type:           network.TypeSubscribed,
		RequestID:      msg.RequestID,
		SubscriptionID: subscriptionID,
	})
}

func (s *session) handleUnsubscribe(payload []byte) {
	var msg network.UnsubscribeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[msg.SubscriptionID]
	delete(s.subs, msg.SubscriptionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	_ = sub.Unsubscribe()
	s.svc.metrics.SetActiveSubscriptions(s.svc.hub.Len())
}

func (s *session) handleLookupParticipant(ctx context.Context, payload []byte) {
	var msg network.LookupParticipantMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed lookup", ""))
		return
	}

	participant, err := s.svc.store.FindParticipant(ctx, msg.Query)
	if err != nil {
		s.fail(err, msg.RequestID)
		return
	}
	s.reply(network.ParticipantMessage{
		Type:        network.TypeParticipant,
		RequestID:   msg.RequestID,
		Participant: *participant,
	})
}

func (s *session) handleCreateRoom(ctx context.Context, payload []byte) {
	var msg network.CreateRoomMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed create_room", ""))
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "room name is required", msg.RequestID))
		return
	}

	room := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: s.participantID,
		CreatedAt: s.svc.now().UnixMilli(),
	}
	if err := s.svc.store.CreateRoom(ctx, room); err != nil {
		s.fail(err, msg.RequestID)
		return
	}
	s.svc.rememberRoom(room.ID)

	s.logger.Info("room created", "room_id", room.ID, "name", room.Name)
	s.reply(network.RoomsMessage{
		Type:      network.TypeRooms,
		RequestID: msg.RequestID,
		Rooms:     []models.Room{room},
	})
}

func (s *session) handleListRooms(ctx context.Context, payload []byte) {
	var msg network.ListRoomsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reply(network.NewErrorMessage(network.CodeInvalidRequest, "malformed list_rooms", ""))
		return
	}

	rooms, err := s.svc.store.ListRooms(ctx)
	if err != nil {
		s.fail(err, msg.RequestID)
		return
	}
	s.reply(network.RoomsMessage{
		Type:      network.TypeRooms,
		RequestID: msg.RequestID,
		Rooms:     rooms,
	})
}

// authorizePublish checks that the record is sent by this participant into a conversation
// it may write to.
func (s *session) authorizePublish(ctx context.Context, record models.SignalRecord) error {
	if record.SenderID != s.participantID {
		s.svc.logSecurityEvent("sender_mismatch", s.participantID, storage.SecuritySeverityWarning, map[string]string{
			"claimed_sender": record.SenderID,
			"signal_id":      record.ID,
		})
		return &network.RemoteError{Code: network.CodeForbidden, Message: "sender_id does not match the connected participant"}
	}
	if strings.TrimSpace(record.Type) == "" {
		return &network.RemoteError{Code: network.CodeInvalidRequest, Message: "signal type is required"}
	}

	filter := feed.Filter{Column: feed.ColumnRoomID, Value: record.RoomID}
	if record.ChannelKey != "" {
		if record.RoomID != models.NilRoomID {
			return &network.RemoteError{Code: network.CodeInvalidRequest, Message: "direct signals must carry the nil room_id"}
		}
		filter = feed.Filter{Column: feed.ColumnChannelKey, Value: record.ChannelKey}
	}
	return s.authorizeFilter(ctx, filter)
}

// authorizeFilter admits direct conversations the participant belongs to and existing rooms.
func (s *session) authorizeFilter(ctx context.Context, filter feed.Filter) error {
	if err := filter.Validate(); err != nil {
		return &network.RemoteError{Code: network.CodeInvalidRequest, Message: err.Error()}
	}

	switch filter.Column {
	case feed.ColumnChannelKey:
		if !isDirectMember(filter.Value, s.participantID) {
			return &network.RemoteError{Code: network.CodeForbidden, Message: "not a member of this direct conversation"}
		}
	case feed.ColumnRoomID:
		if filter.Value == models.NilRoomID {
			return &network.RemoteError{Code: network.CodeInvalidRequest, Message: "room_id is reserved for direct conversations"}
		}
		exists, err := s.svc.roomExists(ctx, filter.Value)
		if err != nil {
			return err
		}
		if !exists {
			return &network.RemoteError{Code: network.CodeNotFound, Message: "room not found"}
		}
	}
	return nil
}

// isDirectMember reports whether channelKey is a well-formed direct key that includes
// participantID.
func isDirectMember(channelKey, participantID string) bool {
	body, ok := strings.CutPrefix(channelKey, feed.DirectKeyPrefix)
	if !ok {
		return false
	}
	a, b, ok := strings.Cut(body, ":")
	if !ok || strings.Contains(b, ":") {
		return false
	}
	if a != participantID && b != participantID {
		return false
	}
	return feed.DirectKey(a, b) == channelKey
}

func (s *session) fail(err error, requestID string) {
	var remote *network.RemoteError
	switch {
	case errors.As(err, &remote):
		s.reply(network.NewErrorMessage(remote.Code, remote.Message, requestID))
	case errors.Is(err, storage.ErrNotFound):
		s.reply(network.NewErrorMessage(network.CodeNotFound, "not found", requestID))
	default:
		s.logger.Error("request failed", "request_id", requestID, "error", err)
		s.reply(network.NewErrorMessage(network.CodeInternal, "internal error", requestID))
	}
}

func (s *session) reply(message any) {
	if err := s.out.SendMessage(message); err != nil {
		s.logger.Debug("reply failed", "error", err)
	}
}

// release drops every subscription. The session answers nothing afterwards.
func (s *session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	subs := s.subs
	s.subs = make(map[string]feed.Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// shutdown closes the transport; the reader goroutine then releases the session.
func (s *session) shutdown() {
	_ = s.out.Close()
}
