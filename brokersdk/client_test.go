package brokersdk_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/contenox/dsmq/brokersdk"
	"github.com/stretchr/testify/require"
)

// fakeBroker accepts one connection and hands every request line to reply.
func fakeBroker(t *testing.T, reply func(conn net.Conn, req map[string]any)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			var req map[string]any
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				return
			}
			reply(conn, req)
		}
	}()
	return ln.Addr().String()
}

func TestClient_PutWireFormat(t *testing.T) {
	reqs := make(chan map[string]any, 1)
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) { reqs <- req })

	c, err := brokersdk.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "temp", map[string]int{"v": 1}))
	select {
	case req := <-reqs:
		require.Equal(t, "put", req["action"])
		require.Equal(t, "temp", req["topic"])
		require.Equal(t, map[string]any{"v": float64(1)}, req["message"])
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
}

func TestClient_Get(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) {
		switch req["topic"] {
		case "full":
			_, _ = conn.Write([]byte(`{"message": {"v": 2}}` + "\n"))
		case "empty":
			_, _ = conn.Write([]byte(`{"message": ""}`))
		}
	})

	c, err := brokersdk.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	msg, err := c.Get(ctx, "full")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(msg))

	msg, err = c.Get(ctx, "empty")
	require.NoError(t, err)
	require.Nil(t, msg)

	var v struct{ V int }
	ok, err := c.GetInto(ctx, "full", &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, v.V)
}

func TestClient_BadReplyClosesClient(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) {
		switch req["topic"] {
		case "garbage":
			// Bad frame followed by a valid one in the same write.
			_, _ = conn.Write([]byte("garbage\n" + `{"message": {"v": 1}}` + "\n"))
		default:
			_, _ = conn.Write([]byte(`{"message": {"v": 2}}` + "\n"))
		}
	})

	c, err := brokersdk.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, err = c.Get(ctx, "garbage")
	require.ErrorIs(t, err, brokersdk.ErrBadReply)

	// A reused client must not hand out replies that belong to other requests.
	_, err = c.Get(ctx, "other")
	require.ErrorIs(t, err, brokersdk.ErrBadReply)
	require.ErrorIs(t, c.Put(ctx, "other", 1), brokersdk.ErrBadReply)
}

func TestClient_Connect(t *testing.T) {
	reqs := make(chan map[string]any, 1)
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) { reqs <- req })
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := brokersdk.Connect(context.Background(), host, port)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "temp", "hi"))
	select {
	case req := <-reqs:
		require.Equal(t, "temp", req["topic"])
		require.Equal(t, "hi", req["message"])
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
}

func TestClient_GetPeerClosed(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) {
		_ = conn.Close()
	})

	c, err := brokersdk.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "x")
	require.ErrorIs(t, err, brokersdk.ErrConnectionClosed)
}

func TestClient_GetHonoursDeadline(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn, req map[string]any) {})

	c, err := brokersdk.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_DialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = brokersdk.Dial(context.Background(), addr)
	require.Error(t, err)
}
