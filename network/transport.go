package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkfeed/feed"
	"talkfeed/models"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout bounds request/response calls whose context has no deadline.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// Client is the participant side of a relay link. It implements feed.Transport.
//
// Subscription handlers run on the client's dispatch goroutine, in the order the relay
// delivered the rows.
type Client struct {
	link           *Link
	logger         *slog.Logger
	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan []byte
	subs    map[string]feed.Handler

	done      chan struct{}
	closeOnce sync.Once
}

var _ feed.Transport = (*Client)(nil)

// Connect dials a relay and wraps the link in a Client.
func Connect(ctx context.Context, address string, options HandshakeOptions, opts ...ClientOption) (*Client, error) {
	link, err := Dial(ctx, address, options)
	if err != nil {
		return nil, err
	}
	return NewClient(link, opts...), nil
}

// NewClient starts dispatching inbound frames of an established link.
func NewClient(link *Link, opts ...ClientOption) *Client {
	c := &Client{
		link:           link,
		logger:         slog.Default(),
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[string]chan []byte),
		subs:           make(map[string]feed.Handler),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("relay_id", link.Remote().ID)

	go c.dispatchLoop()
	return c
}

// Relay returns the verified relay identity.
func (c *Client) Relay() RemoteIdentity {
	return c.link.Remote()
}

// Done is closed once the link is gone and dispatch has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Publish sends one record to the relay. Delivery is fire-and-forget; relay-side insert
// failures come back asynchronously and are logged.
func (c *Client) Publish(ctx context.Context, record models.SignalRecord) error {
	if err := ctx.Err(); err != nil {
		return &feed.TransportError{Op: "publish", Err: err}
	}
	if err := c.link.SendMessage(PublishMessage{Type: TypePublish, Signal: record}); err != nil {
		return &feed.TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe opens a relay-side filtered stream and returns once the relay confirms it.
func (c *Client) Subscribe(ctx context.Context, filter feed.Filter, handler feed.Handler) (feed.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, &feed.TransportError{Op: "subscribe", Err: err}
	}
	if handler == nil {
		return nil, &feed.TransportError{Op: "subscribe", Err: errors.New("handler is required")}
	}

	subscriptionID := uuid.NewString()
	c.mu.Lock()
	c.subs[subscriptionID] = handler
	c.mu.Unlock()

	requestID := uuid.NewString()
	_, err := c.request(ctx, requestID, SubscribeMessage{
		Type:           TypeSubscribe,
		RequestID:      requestID,
		SubscriptionID: subscriptionID,
		Column:         filter.Column,
		Value:          filter.Value,
	})
	if err != nil {
		c.removeSubscription(subscriptionID)
		return nil, &feed.TransportError{Op: "subscribe", Err: err}
	}

	return &clientSubscription{client: c, id: subscriptionID}, nil
}

// LookupParticipant resolves a participant by ID or display name. It returns an error
// matching ErrNotFound when the relay knows no such participant.
func (c *Client) LookupParticipant(ctx context.Context, query string) (models.Participant, error) {
	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, LookupParticipantMessage{
		Type:      TypeLookupParticipant,
		RequestID: requestID,
		Query:     query,
	})
	if err != nil {
		return models.Participant{}, fmt.Errorf("lookup participant %q: %w", query, err)
	}

	var msg ParticipantMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.Participant{}, fmt.Errorf("decode participant: %w", err)
	}
	return msg.Participant, nil
}

// CreateRoom creates a room owned by the local participant.
func (c *Client) CreateRoom(ctx context.Context, name string) (models.Room, error) {
	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, CreateRoomMessage{
		Type:      TypeCreateRoom,
		RequestID: requestID,
		Name:      name,
	})
	if err != nil {
		return models.Room{}, fmt.Errorf("create room %q: %w", name, err)
	}

	rooms, err := decodeRooms(payload)
	if err != nil {
		return models.Room{}, err
	}
	if len(rooms) != 1 {
		return models.Room{}, fmt.Errorf("create room %q: expected one room, got %d", name, len(rooms))
	}
	return rooms[0], nil
}

// ListRooms returns the relay's room directory.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	requestID := uuid.NewString()
	payload, err := c.request(ctx, requestID, ListRoomsMessage{
		Type:      TypeListRooms,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return decodeRooms(payload)
}

// Close disconnects from the relay and waits for dispatch to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.link.Disconnect()
	})
	<-c.done
	return nil
}

func (c *Client) request(ctx context.Context, requestID string, message any) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	reply := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, ErrClientClosed
	default:
	}

	if err := c.link.SendMessage(message); err != nil {
		return nil, err
	}

	select {
	case payload := <-reply:
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return nil, err
		}
		if msgType == TypeError {
			return nil, decodeRemoteError(payload)
		}
		return payload, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dispatchLoop() {
	defer close(c.done)

	for {
		payload, err := c.link.ReceiveMessage(context.Background())
		if err != nil {
			c.mu.Lock()
			lost := len(c.subs)
			c.subs = make(map[string]feed.Handler)
			c.mu.Unlock()
			if lost > 0 {
				c.logger.Warn("relay link lost with live subscriptions", "subscriptions", lost, "error", err)
			}
			return
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		c.logger.Debug("dropping undecodable relay frame", "error", err)
		return
	}

	switch msgType {
	case TypeSignal:
		var msg SignalMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("dropping malformed signal delivery", "error", err)
			return
		}
		c.mu.Lock()
		handler := c.subs[msg.SubscriptionID]
		c.mu.Unlock()
		if handler == nil {
			return
		}
		handler(msg.Signal)
	case TypeSubscribed, TypeParticipant, TypeRooms, TypeError:
		var ref struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(payload, &ref)

		c.mu.Lock()
		reply, ok := c.pending[ref.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- payload:
			default:
			}
			return
		}
		if msgType == TypeError {
			c.logger.Warn("relay reported error", "error", decodeRemoteError(payload), "request_id", ref.RequestID)
		}
	default:
		c.logger.Debug("ignoring unexpected relay frame", "type", msgType)
	}
}

func (c *Client) removeSubscription(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

type clientSubscription struct {
	client *Client
	id     string
	once   sync.Once
}

func (s *clientSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.client.removeSubscription(s.id)
		if s.client.link.State() == StateDisconnected {
			return
		}
		err = s.client.link.SendMessage(UnsubscribeMessage{
			Type:           TypeUnsubscribe,
			SubscriptionID: s.id,
		})
		if err != nil && s.client.link.State() == StateDisconnected {
			err = nil
		}
	})
	return err
}

func decodeRooms(payload []byte) ([]models.Room, error) {
	var msg RoomsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return msg.Rooms, nil
}
