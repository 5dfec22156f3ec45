package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/proctorlive/internal/session"
)

// Pop takes the oldest queued result the way the report generator does,
// waiting up to timeout. It returns nil when the queue stayed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*session.Result, error) {
	vals, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis queue: pop: %w", err)
	}

	// BRPOP returns [key, value].
	var r session.Result
	if err := json.Unmarshal([]byte(vals[1]), &r); err != nil {
		return nil, fmt.Errorf("redis queue: decode: %w", err)
	}
	return &r, nil
}


// Len returns the number of queued results.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: len: %w", err)
	}
	return n, nil
}
