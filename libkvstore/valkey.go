// Package libkvstore wraps a Valkey client and exposes the set and
// sorted-set primitives used by the Valkey message store backend.
package libkvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

var ErrNoAddress = errors.New("libkv: valkey address is required")

type Config struct {
	KVAddr     string
	KVPassword string
}

// Manager owns the Valkey client connection.
type Manager struct {
	client  valkey.Client
	timeout time.Duration
}

// KVExecutor runs single commands with the manager's per-operation timeout.
type KVExecutor interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) (int64, error)
	SAdd(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

func NewManager(cfg Config, timeout time.Duration) (*Manager, error) {
	if cfg.KVAddr == "" {
		return nil, ErrNoAddress
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.KVAddr},
		Password:    cfg.KVPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return &Manager{client: client, timeout: timeout}, nil
}

// Executor pings the server and returns an executor bound to the client.
func (m *Manager) Executor(ctx context.Context) (KVExecutor, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.client.Do(ctx, m.client.B().Ping().Build()).Error(); err != nil {
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}
	return &executor{m: m}, nil
}

func (m *Manager) Close() error {
	m.client.Close()
	return nil
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

type executor struct {
	m *Manager
}

func (e *executor) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	if err := c.Do(ctx, c.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()).Error(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (e *executor) ZRangeByScore(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	members, err := c.Do(ctx, c.B().Zrange().Key(key).Min(min).Max(max).Byscore().Limit(offset, count).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return members, nil
}

func (e *executor) ZRemRangeByScore(ctx context.Context, key string, min, max string) (int64, error) {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	n, err := c.Do(ctx, c.B().Zremrangebyscore().Key(key).Min(min).Max(max).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

func (e *executor) SAdd(ctx context.Context, key string, member string) error {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	if err := c.Do(ctx, c.B().Sadd().Key(key).Member(member).Build()).Error(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (e *executor) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	members, err := c.Do(ctx, c.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (e *executor) Delete(ctx context.Context, key string) error {
	ctx, cancel := e.m.withTimeout(ctx)
	defer cancel()
	c := e.m.client
	if err := c.Do(ctx, c.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
