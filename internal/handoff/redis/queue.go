// Package redis queues interview results in Redis for the report generator.
//
// Results are pushed as JSON onto a list with LPUSH; the report generator
// takes the oldest entry with BRPOP. The list is optionally trimmed to a maximum
// length so an absent consumer cannot grow it without bound.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/session"
)

var _ handoff.Sink = (*Queue)(nil)

// DefaultKey is the list that results are pushed to.
const DefaultKey = "proctorlive:results"

// Option configures a Queue.
type Option func(*Queue)

// WithKey overrides the list key.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithMaxLen trims the list to the newest n entries after every push.
// Zero disables trimming.
func WithMaxLen(n int64) Option {
	return func(q *Queue) { q.maxLen = n }
}

// WithoutSnapshots strips snapshot images from queued results.
func WithoutSnapshots() Option {
	return func(q *Queue) { q.dropSnapshots = true }
}

// Queue is a Redis list of results.
type Queue struct {
	client        redis.UniversalClient
	key           string
	maxLen        int64
	dropSnapshots bool
}

// New creates a queue on client.
func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, key: DefaultKey}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Dial parses a redis:// URL and returns a queue with its own client.
func Dial(ctx context.Context, url string, opts ...Option) (*Queue, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis queue: parse url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis queue: ping: %w", err)
	}
	return New(client, opts...), nil
}

// Deliver implements [handoff.Sink].
func (q *Queue) Deliver(ctx context.Context, r session.Result) error {
	if q.dropSnapshots {
		r.Snapshots = nil
	}
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis queue: encode: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key, val)
		if q.maxLen > 0 {
			pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis queue: push %s: %w", r.SessionID, err)
	}
	return nil
}

// Ping checks connectivity. It serves as a readiness check.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
