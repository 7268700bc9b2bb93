package brokerservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/contenox/dsmq/libtracker"
	"github.com/contenox/dsmq/messagestore"
)

// connHandler serves one client connection. Its cursors and purge cadence are
// private to the connection; only the store is shared.
type connHandler struct {
	srv       *Server
	conn      net.Conn
	id        string
	logger    *slog.Logger
	createdAt time.Time
	lastRead  map[string]time.Time
	lastPurge time.Time
	frames    frameDecoder
}

func newConnHandler(srv *Server, conn net.Conn, id string) *connHandler {
	now := srv.clock.Now()
	return &connHandler{
		srv:       srv,
		conn:      conn,
		id:        id,
		logger:    srv.logger.With("conn_id", id, "remote", conn.RemoteAddr().String()),
		createdAt: now,
		lastRead:  make(map[string]time.Time),
		lastPurge: now,
		frames:    frameDecoder{max: srv.cfg.MaxFrameSize},
	}
}

// run reads until the peer disconnects or the connection fails.
func (h *connHandler) run(ctx context.Context) {
	ctx = libtracker.WithConnectionID(ctx, h.id)
	h.logger.Debug("connection opened")
	buf := make([]byte, h.srv.cfg.ReadBufferSize)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if werr := h.feed(ctx, buf[:n]); werr != nil {
				h.logger.Debug("connection closed", "reason", werr)
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				h.logger.Debug("connection closed by peer")
			case errors.Is(err, net.ErrClosed):
				h.logger.Debug("connection closed by server")
			default:
				h.logger.Warn("connection read failed", "error", err)
			}
			return
		}
	}
}

// feed handles every complete request in data. The returned error is a write
// failure, which ends the connection.
func (h *connHandler) feed(ctx context.Context, data []byte) error {
	frames, decodeErr := h.frames.Feed(data)
	for _, frame := range frames {
		if err := h.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
	if decodeErr != nil {
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("failed to decode request", "error", decodeErr)
	}
	return nil
}

func (h *connHandler) handleFrame(ctx context.Context, frame json.RawMessage) error {
	ctx = libtracker.WithNewRequestID(ctx)
	defer h.maybePurge(ctx)

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("failed to decode request", "error", err)
		return nil
	}

	switch req.Action {
	case ActionPut:
		h.put(ctx, req)
		return nil
	case ActionGet:
		return h.get(ctx, req)
	default:
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("Action must either be 'put' or 'get'", "action", req.Action)
		return nil
	}
}

func (h *connHandler) put(ctx context.Context, req Request) {
	if req.Topic == nil || req.Message == nil {
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("put requires topic and message")
		return
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, req.Message); err != nil {
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("failed to decode request", "error", err)
		return
	}

	ts := h.srv.clock.Now()
	if err := h.srv.store.Insert(ctx, *req.Topic, payload.String(), ts); err != nil {
		h.srv.metrics.Dropped.Inc()
		h.logger.Warn("dropping message", "topic", *req.Topic, "error", err)
		return
	}
	h.srv.metrics.Puts.Inc()
	h.srv.mirror.publish(ctx, *req.Topic, payload.Bytes(), ts)
}

func (h *connHandler) get(ctx context.Context, req Request) error {
	h.srv.metrics.Gets.Inc()
	resp := Response{Message: emptyMessage}

	if req.Topic == nil {
		h.srv.metrics.Malformed.Inc()
		h.logger.Error("get requires topic")
		return h.respond(resp)
	}
	topic := *req.Topic

	cursor, ok := h.lastRead[topic]
	if !ok {
		cursor = h.createdAt
		h.lastRead[topic] = cursor
	}

	msg, err := h.srv.store.OldestAfter(ctx, topic, cursor)
	switch {
	case err == nil:
		h.lastRead[topic] = msg.Timestamp
		resp.Message = encodePayload(msg.Payload)
		h.srv.metrics.GetHits.Inc()
	case errors.Is(err, messagestore.ErrNotFound):
	default:
		h.srv.metrics.Dropped.Inc()
		h.logger.Warn("read failed, answering with no message", "topic", topic, "error", err)
	}
	return h.respond(resp)
}

// encodePayload returns a stored payload as raw JSON. Rows that are not valid
// JSON are sent as a JSON string.
func encodePayload(payload string) json.RawMessage {
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	b, _ := json.Marshal(payload)
	return b
}

func (h *connHandler) respond(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := h.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// maybePurge evicts rows older than the previous purge once per TTL. It runs
// after every request, so eviction is driven by traffic.
func (h *connHandler) maybePurge(ctx context.Context) {
	now := time.Now()
	if now.Sub(h.lastPurge) <= h.srv.cfg.TTL {
		return
	}
	n, err := h.srv.store.Purge(ctx, h.lastPurge)
	if err != nil {
		h.logger.Warn("purge failed", "error", err)
	} else {
		h.srv.metrics.Purged.Add(float64(n))
		// The store answered, so the background sweep may resume.
		h.srv.sweeper.ForceClose()
	}
	h.lastPurge = now
}
