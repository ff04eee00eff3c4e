package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrBudgetExceeded = errors.New("hourly call budget exceeded")

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Limiter caps provider calls per agent within fixed hourly windows. The
// counters live in redis so several bridge processes share one budget.
type Limiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
	now    func() time.Time
}

func NewLimiter(rdb *redis.Client, limit int64) *Limiter {
	return &Limiter{redis: rdb, limit: limit, prefix: "llmbridge:budget", now: time.Now}
}

type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (l *Limiter) Allow(ctx context.Context, agentID string) (Decision, error) {
	return l.AllowAt(ctx, agentID, l.now())
}

func (l *Limiter) AllowAt(ctx context.Context, agentID string, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, agentID, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("budget script: %w", err)
	}
	return Decision{Allowed: used <= l.limit, Used: used, Limit: l.limit, ResetAt: windowEnd}, nil
}

func (l *Limiter) Check(ctx context.Context, agentID string) error {
	d, err := l.Allow(ctx, agentID)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: agent %q used %d of %d, resets at %s", ErrBudgetExceeded, agentID, d.Used, d.Limit, d.ResetAt.Format(time.RFC3339))
	}
	return nil
}
