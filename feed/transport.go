package feed

import (
	"context"
	"fmt"

	"talkfeed/models"
)

// Handler receives inserted rows for a subscription. Handlers run on a delivery goroutine
// owned by the transport and must not block for long.
type Handler func(models.SignalRecord)

// Transport is the feed primitive: insert one row, and stream inserted rows matching an
// equality filter. Delivery is at-most-once with no ordering guarantee across senders.
type Transport interface {
	Publish(ctx context.Context, record models.SignalRecord) error
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
}

// Subscription is a live filtered stream. Unsubscribe is safe to call more than once and
// after the underlying connection has gone away.
type Subscription interface {
	Unsubscribe() error
}

// TransportError wraps a publish or subscribe failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
