// Package brokersdk is the client for the dsmq broker.
//
// Put is fire-and-forget. Get returns the next message on a topic published
// after this client first asked for that topic, or nil when there is nothing
// new. Consumers poll: Get never waits for a message to arrive.
package brokersdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrConnectionClosed is returned by Get when the broker closed the connection.
	ErrConnectionClosed = errors.New("brokersdk: connection closed by broker")
	// ErrBadReply is returned when a reply cannot be decoded. The client closes
	// its connection, since later replies can no longer be paired with requests,
	// and every further call returns ErrBadReply.
	ErrBadReply = errors.New("brokersdk: undecodable reply from broker")
)

type request struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	Message any    `json:"message,omitempty"`
}

type response struct {
	Message json.RawMessage `json:"message"`
}

// Client is one broker connection. Its methods are safe for concurrent use;
// calls are serialized so each get is paired with its own response.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	broken error
}

// Dial connects to the broker at addr ("host:port"). Connection errors are
// returned as-is and not retried.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// Connect is Dial with a separate host and port.
func Connect(ctx context.Context, host string, port int) (*Client, error) {
	return Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

// Put publishes message, which must be JSON-serializable, to topic.
// The broker sends no acknowledgement.
func (c *Client) Put(ctx context.Context, topic string, message any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}
	stop := c.bind(ctx)
	defer stop()

	if message == nil {
		message = json.RawMessage("null")
	}
	if err := c.send(request{Action: "put", Topic: topic, Message: message}); err != nil {
		return c.ctxErr(ctx, err)
	}
	return nil
}

// Get returns the raw JSON of the next message on topic, or nil if there is
// none. A message whose payload is the empty JSON string is indistinguishable
// from no message. A reply that cannot be decoded returns ErrBadReply and
// leaves the client unusable.
func (c *Client) Get(ctx context.Context, topic string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}
	stop := c.bind(ctx)
	defer stop()

	if err := c.send(request{Action: "get", Topic: topic}); err != nil {
		return nil, c.ctxErr(ctx, err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
			return nil, c.ctxErr(ctx, err)
		}
		c.broken = fmt.Errorf("%w: %w", ErrBadReply, err)
		_ = c.conn.Close()
		return nil, c.broken
	}
	if len(resp.Message) == 0 || string(resp.Message) == `""` {
		return nil, nil
	}
	return resp.Message, nil
}

// GetInto decodes the next message on topic into v and reports whether there
// was one.
func (c *Client) GetInto(ctx context.Context, topic string, v any) (bool, error) {
	raw, err := c.Get(ctx, topic)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode message: %w", err)
	}
	return true, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(req request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// bind applies ctx's deadline to the connection and interrupts blocked I/O
// when ctx is cancelled.
func (c *Client) bind(ctx context.Context) func() {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if !stop() {
			// AfterFunc already fired; clear the past deadline for later calls.
			_ = c.conn.SetDeadline(time.Time{})
		}
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	// The socket deadline can fire a moment before ctx notices its own.
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
