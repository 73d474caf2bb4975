package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it still carries our token.
// KEYS[1] = lease key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica pointed at the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	token  string
}

// NewRedis creates a locker over client. Each instance has its own holder
// token, so one replica can never release another's lease.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "agentcourt:lease:", token: uuid.NewString()}
}

// Dial parses a redis:// URL and returns a locker plus its client.
func Dial(url string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedis(client), client, nil
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+name, r.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", name, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + name}, r.token).Err(); err != nil {
		return fmt.Errorf("lease release %s: %w", name, err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
