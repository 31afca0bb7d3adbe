package chatlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

const (
	redisKeyPrefix  = "gryag:chatlock:"
	defaultLeaseTTL = 2 * time.Minute
	queuePollEvery  = 100 * time.Millisecond
)

// Deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisGate is the multi-instance Locker: a SETNX lease per chat with a
// TTL so a crashed holder cannot wedge the chat forever.
type RedisGate struct {
	client   *redis.Client
	policy   Policy
	leaseTTL time.Duration
	log      *logger.Logger
}

func NewRedisGate(client *redis.Client, policy Policy, leaseTTL time.Duration, baseLog *logger.Logger) *RedisGate {
	if policy == "" {
		policy = PolicyFinishInFlight
	}
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &RedisGate{
		client:   client,
		policy:   policy,
		leaseTTL: leaseTTL,
		log:      baseLog.With("service", "RedisChatGate"),
	}
}

func (g *RedisGate) Acquire(ctx context.Context, chatID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", redisKeyPrefix, chatID)
	token := uuid.NewString()

	for {
		ok, err := g.client.SetNX(ctx, key, token, g.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire chat lease: %w", err)
		}
		if ok {
			break
		}
		if g.policy != PolicyQueue {
			return nil, ErrBusy
		}
		select {
		case <-time.After(queuePollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must not inherit the turn's cancellation.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
				g.log.Warn("Failed to release chat lease", "chat_id", chatID, "error", err.Error())
			}
		})
	}
	return release, nil
}
