package ptt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"talkfeed/feed"
	"talkfeed/models"
)

// publisher sends a session's outbound rows one at a time, in enqueue order.
type publisher struct {
	transport feed.Transport
	logger    *slog.Logger
	queue     chan models.SignalRecord
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPublisher(transport feed.Transport, logger *slog.Logger, size int) *publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &publisher{
		transport: transport,
		logger:    logger,
		queue:     make(chan models.SignalRecord, size),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.done)
	for record := range p.queue {
		if err := p.transport.Publish(p.ctx, record); err != nil {
			p.logger.Warn("publish failed",
				"signal_id", record.ID,
				"type", record.Type,
				"error", err,
			)
		}
	}
}

// offer enqueues without blocking and reports whether the row was accepted.
func (p *publisher) offer(record models.SignalRecord) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- record:
		return true
	default:
		p.logger.Debug("publish queue full, dropping signal", "type", record.Type)
		return false
	}
}

// push enqueues, waiting up to timeout for room.
func (p *publisher) push(record models.SignalRecord, timeout time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- record:
		return true
	case <-time.After(timeout):
		p.logger.Warn("publish queue stalled, dropping signal", "type", record.Type)
		return false
	}
}

// close stops intake and lets queued rows drain for up to grace before cancelling them.
func (p *publisher) close(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(grace):
		p.logger.Warn("publish queue not drained before close", "grace", grace)
		p.cancel()
		select {
		case <-p.done:
		case <-time.After(grace):
		}
	}
	p.cancel()
}
