package libbus

import (
	"context"
	"sync"
)

// InMem is an in-memory implementation of Messenger for single-process use.
// Publish delivers to local Stream subscribers without any network.
type InMem struct {
	mu      sync.RWMutex
	closed  bool
	streams map[string][]chan<- []byte
}

// inmemSubscription removes this subscriber from the stream on Unsubscribe.
type inmemSubscription struct {
	subject string
	ch      chan<- []byte
	inmem   *InMem
}

// NewInMem returns a new in-memory Messenger.
func NewInMem() *InMem {
	return &InMem{
		streams: make(map[string][]chan<- []byte),
	}
}

// Publish sends a fire-and-forget message to all Stream subscribers for the subject.
func (p *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrConnectionClosed
	}
	// Copy subscriber list so we don't hold the lock while sending
	subs := make([]chan<- []byte, len(p.streams[subject]))
	copy(subs, p.streams[subject])
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stream creates a subscription to a subject; messages are delivered to ch.
func (p *InMem) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.streams[subject] = append(p.streams[subject], ch)
	sub := &inmemSubscription{subject: subject, ch: ch, inmem: p}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return sub, nil
}

// Close marks the messenger closed and drops all subscribers.
func (p *InMem) Close() error {
	p.mu.Lock()
	p.closed = true
	p.streams = make(map[string][]chan<- []byte)
	p.mu.Unlock()
	return nil
}

func (s *inmemSubscription) Unsubscribe() error {
	s.inmem.mu.Lock()
	defer s.inmem.mu.Unlock()
	subs := s.inmem.streams[s.subject]
	for i, c := range subs {
		if c == s.ch {
			s.inmem.streams[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

var _ Messenger = (*InMem)(nil)
