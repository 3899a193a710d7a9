package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a github.com/redis/go-redis/v9
// client, the same client library the teacher codebase's cache layer uses.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNilValue
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

// compareAndDeleteScript deletes KEYS[1] only if its value equals ARGV[1].
// This is the standard Redis "safe unlock" pattern: a bare GET-then-DEL from
// the client would race against another owner's re-acquisition of the key.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expect).Int64()
	if err != nil {
		return false, fmt.Errorf("kv: compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: del %v: %w", keys, err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("kv: hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, ErrNilValue
	}
	return res, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("kv: hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]interface{}, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	if err := s.client.SAdd(ctx, key, anyMembers...).Err(); err != nil {
		return fmt.Errorf("kv: sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]interface{}, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	if err := s.client.SRem(ctx, key, anyMembers...).Err(); err != nil {
		return fmt.Errorf("kv: srem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %s: %w", key, err)
	}
	return res, nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	res, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: scard %s: %w", key, err)
	}
	return res, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("kv: sismember %s: %w", key, err)
	}
	return res, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: ping: %w", err)
	}
	return nil
}

// MultiOp runs the batch as a MULTI/EXEC transaction sent in a single
// pipelined round trip (TxPipelined), so for floe's use (session create,
// finalize commit) the commands are applied together, with no other
// client's commands interleaved between them.
func (s *RedisStore) MultiOp(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSet:
				pipe.Set(ctx, op.Key, op.Value, op.TTL)
			case OpHSet:
				pipe.HSet(ctx, op.Key, op.Field, op.Value)
				if op.TTL > 0 {
					pipe.Expire(ctx, op.Key, op.TTL)
				}
			case OpSAdd:
				anyMembers := make([]interface{}, len(op.Members))
				for i, m := range op.Members {
					anyMembers[i] = m
				}
				pipe.SAdd(ctx, op.Key, anyMembers...)
			case OpSRem:
				anyMembers := make([]interface{}, len(op.Members))
				for i, m := range op.Members {
					anyMembers[i] = m
				}
				pipe.SRem(ctx, op.Key, anyMembers...)
			case OpDel:
				pipe.Del(ctx, op.Key)
			case OpExpire:
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: multi-op: %w", err)
	}
	return nil
}
