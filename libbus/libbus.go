// Package libbus is a small publish/subscribe abstraction with an in-process
// implementation and a NATS-backed one.
package libbus

import (
	"context"
	"errors"
)

var (
	ErrConnectionClosed       = errors.New("libbus: connection closed")
	ErrStreamSubscriptionFail = errors.New("libbus: stream subscription failed")
)

// Messenger publishes fire-and-forget messages and streams them to subscribers.
type Messenger interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}
