package libbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	NATSURL      string
	NATSUser     string
	NATSPassword string
}

type ps struct {
	nc *nats.Conn
}

// NewPubSub connects to NATS and returns a Messenger backed by it.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []nats.Option{
		nats.Name("dsmq"),
		nats.Timeout(5 * time.Second),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &ps{nc: nc}, nil
}

func (p *ps) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc.IsClosed() {
		return ErrConnectionClosed
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (p *ps) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamSubscriptionFail, err)
	}
	// Make sure the subscription reached the server before returning, so a
	// Publish issued right after Stream is not lost.
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %w", ErrStreamSubscriptionFail, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *ps) Close() error {
	p.nc.Close()
	return nil
}
