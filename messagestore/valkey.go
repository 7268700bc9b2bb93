package messagestore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	libkv "github.com/contenox/dsmq/libkvstore"
)

const (
	valkeyTopicsKey   = "dsmq:topics"
	valkeyTopicPrefix = "dsmq:topic:"
	valkeyPageSize    = 16
)

// valkeyStore keeps one sorted set per topic. Scores are microseconds, which
// fit a float64 exactly; members carry the full nanosecond timestamp as a
// zero-padded prefix so members sharing a score still sort by time.
type valkeyStore struct {
	kv libkv.KVExecutor
}

// NewValkey returns a Store backed by Valkey sorted sets.
func NewValkey(kv libkv.KVExecutor) Store {
	return &valkeyStore{kv: kv}
}

func topicKey(topic string) string {
	return valkeyTopicPrefix + topic
}

func encodeMember(ts time.Time, payload string) string {
	return fmt.Sprintf("%019d:%s", ts.UnixNano(), payload)
}

func decodeMember(member string) (int64, string, error) {
	ns, payload, ok := strings.Cut(member, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed member %q", member)
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed member timestamp %q: %w", ns, err)
	}
	return n, payload, nil
}

func micros(ts time.Time) int64 {
	return ts.UnixNano() / int64(time.Microsecond)
}

func (s *valkeyStore) Insert(ctx context.Context, topic string, payload string, ts time.Time) error {
	if err := s.kv.SAdd(ctx, valkeyTopicsKey, topic); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if err := s.kv.ZAdd(ctx, topicKey(topic), float64(micros(ts)), encodeMember(ts, payload)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *valkeyStore) OldestAfter(ctx context.Context, topic string, after time.Time) (*Message, error) {
	afterNs := after.UnixNano()
	lo := strconv.FormatInt(micros(after), 10)
	for offset := int64(0); ; offset += valkeyPageSize {
		members, err := s.kv.ZRangeByScore(ctx, topicKey(topic), lo, "+inf", offset, valkeyPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to get oldest message: %w", err)
		}
		for _, m := range members {
			ns, payload, err := decodeMember(m)
			if err != nil {
				return nil, err
			}
			if ns > afterNs {
				return &Message{Topic: topic, Payload: payload, Timestamp: time.Unix(0, ns)}, nil
			}
		}
		if len(members) < valkeyPageSize {
			return nil, ErrNotFound
		}
	}
}

// Purge works at microsecond granularity: rows sharing the microsecond of
// before survive until the next purge.
func (s *valkeyStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	topics, err := s.kv.SMembers(ctx, valkeyTopicsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	hi := "(" + strconv.FormatInt(micros(before), 10)
	var removed int64
	for _, topic := range topics {
		n, err := s.kv.ZRemRangeByScore(ctx, topicKey(topic), "-inf", hi)
		if err != nil {
			return removed, fmt.Errorf("failed to purge messages: %w", err)
		}
		removed += n
	}
	return removed, nil
}
