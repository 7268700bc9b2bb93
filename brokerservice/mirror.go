package brokerservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/contenox/dsmq/libbus"
)

// MirrorSubject carries a PutEvent for every stored put.
const MirrorSubject = "dsmq.put"

const mirrorTimeout = time.Second

// PutEvent is the mirror payload.
type PutEvent struct {
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

// mirror forwards puts to a bus. A nil bus disables it. Failures are logged
// and never affect the put itself.
type mirror struct {
	bus    libbus.Messenger
	logger *slog.Logger
}

func (m *mirror) publish(ctx context.Context, topic string, payload []byte, ts time.Time) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(PutEvent{Topic: topic, Message: payload, Timestamp: ts.UnixNano()})
	if err != nil {
		m.logger.Warn("failed to encode put event", "topic", topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, MirrorSubject, data); err != nil {
		m.logger.Warn("failed to mirror put", "topic", topic, "error", err)
	}
}
