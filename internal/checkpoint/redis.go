package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datapipe/datapipe/pkg/config"
	perrors "github.com/datapipe/datapipe/pkg/errors"
)

// advanceScript moves the checkpoint forward only. Running it server-side
// keeps the monotonicity invariant even if a stale worker retries an old
// commit after a redeploy.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local off = tonumber(ARGV[1])
if off > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return off
end
return cur
`)

// RedisStore persists checkpoints in Redis, one key per topic partition.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	topic  string
	logger *slog.Logger
}

// NewRedisStore creates a checkpoint store and verifies the connection with
// a ping.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, topic string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		topic:  topic,
		logger: slog.Default().With("component", "checkpoint-store", "topic", topic),
	}, nil
}

func (s *RedisStore) key(partition int) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, s.topic, partition)
}

// Advance commits offset for the partition, never moving it backwards.
func (s *RedisStore) Advance(ctx context.Context, partition int, offset int64) error {
	if err := advanceScript.Run(ctx, s.rdb, []string{s.key(partition)}, offset).Err(); err != nil {
		return fmt.Errorf("%w: partition %d offset %d: %v", perrors.ErrCommitFailed, partition, offset, err)
	}
	s.logger.Debug("checkpoint advanced", "partition", partition, "offset", offset)
	return nil
}

// CurrentOffset returns the last committed offset, or None when the
// partition has never been committed.
func (s *RedisStore) CurrentOffset(ctx context.Context, partition int) (int64, error) {
	val, err := s.rdb.Get(ctx, s.key(partition)).Result()
	if err == redis.Nil {
		return None, nil
	}
	if err != nil {
		return None, fmt.Errorf("reading checkpoint for partition %d: %w", partition, err)
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return None, fmt.Errorf("parsing checkpoint %q for partition %d: %w", val, partition, err)
	}
	return offset, nil
}

// Ping verifies the connection for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
