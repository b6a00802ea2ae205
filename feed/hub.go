package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"talkfeed/models"
)

const (
	defaultQueueSize = 256
	recentIDLimit    = 4096
)

// ErrHubClosed is returned by Publish and Subscribe after Close.
var ErrHubClosed = errors.New("feed: hub closed")

// RecordStore persists rows before they are fanned out. InsertSignal assigns CreatedAt and
// reports inserted=false for an ID it has already stored.
type RecordStore interface {
	InsertSignal(ctx context.Context, record *models.SignalRecord) (bool, error)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize bounds the per-subscription delivery queue.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithDropHook is called whenever a row is dropped for a slow subscriber.
func WithDropHook(fn func(Filter)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

// WithDeliverHook is called once per row handed to a subscription queue.
func WithDeliverHook(fn func(Filter)) HubOption {
	return func(h *Hub) { h.onDeliver = fn }
}

// WithNow overrides the clock used to stamp rows when no store is attached.
func WithNow(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub is an in-process Transport. Published rows are optionally persisted, then copied into
// the queue of every matching subscription. A full queue drops the row for that subscriber.
type Hub struct {
	store     RecordStore
	logger    *slog.Logger
	queueSize int
	onDrop    func(Filter)
	onDeliver func(Filter)
	now       func() time.Time

	mu       sync.RWMutex
	subs     map[string]*hubSubscription
	closed   bool
	recent   map[string]struct{}
	recentQ  []string
	recentMu sync.Mutex
}

// NewHub creates a Hub. store may be nil for a purely in-memory feed.
func NewHub(store RecordStore, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:     store,
		logger:    logger,
		queueSize: defaultQueueSize,
		now:       time.Now,
		subs:      make(map[string]*hubSubscription),
		recent:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish inserts record into the feed and fans it out.
func (h *Hub) Publish(ctx context.Context, record models.SignalRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return &TransportError{Op: "publish", Err: ErrHubClosed}
	}

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	if h.store != nil {
		inserted, err := h.store.InsertSignal(ctx, &record)
		if err != nil {
			return &TransportError{Op: "publish", Err: err}
		}
		if !inserted {
			return nil
		}
	} else {
		if !h.remember(record.ID) {
			return nil
		}
		if record.CreatedAt == 0 {
			record.CreatedAt = h.now().UnixMilli()
		}
	}

	h.fanOut(record)
	return nil
}

// Subscribe registers handler for rows matching filter.
func (h *Hub) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	if err := filter.Validate(); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	if handler == nil {
		return nil, &TransportError{Op: "subscribe", Err: errors.New("nil handler")}
	}

	sub := &hubSubscription{
		id:      uuid.NewString(),
		hub:     h,
		filter:  filter,
		handler: handler,
		queue:   make(chan models.SignalRecord, h.queueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &TransportError{Op: "subscribe", Err: ErrHubClosed}
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.drain()
	return sub, nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close releases every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*hubSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*hubSubscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (h *Hub) fanOut(record models.SignalRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(record) {
			continue
		}
		select {
		case sub.queue <- record:
			if h.onDeliver != nil {
				h.onDeliver(sub.filter)
			}
		default:
			h.logger.Debug("dropping signal for slow subscriber",
				"subscription", sub.id,
				"signal_id", record.ID,
				"type", record.Type,
			)
			if h.onDrop != nil {
				h.onDrop(sub.filter)
			}
		}
	}
}

// remember reports whether id is new to an in-memory hub.
func (h *Hub) remember(id string) bool {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()

	if _, seen := h.recent[id]; seen {
		return false
	}
	h.recent[id] = struct{}{}
	h.recentQ = append(h.recentQ, id)
	if len(h.recentQ) > recentIDLimit {
		delete(h.recent, h.recentQ[0])
		h.recentQ = h.recentQ[1:]
	}
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

type hubSubscription struct {
	id      string
	hub     *Hub
	filter  Filter
	handler Handler
	queue   chan models.SignalRecord
	done    chan struct{}
	once    sync.Once
}

func (s *hubSubscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case record := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(record)
		}
	}
}

func (s *hubSubscription) Unsubscribe() error {
	s.hub.remove(s.id)
	s.stop()
	return nil
}

func (s *hubSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}
