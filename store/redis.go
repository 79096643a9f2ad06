package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:"

// applyBatchScript writes a whole commit batch atomically. Created keys are
// checked first; if any exists the script aborts without writing anything.
// KEYS: created keys..., updated keys...  ARGV: #creates, values in KEYS order.
var applyBatchScript = redis.NewScript(`
local creates = tonumber(ARGV[1])
for i = 1, creates do
  if redis.call("EXISTS", KEYS[i]) == 1 then
    return redis.error_reply("key_exists")
  end
end
for i = 1, #KEYS do
  redis.call("SET", KEYS[i], ARGV[i + 1])
end
return #KEYS
`)

// RedisStore is the production LedgerStore. Records live as JSON strings
// under ledger:<key>; update atomicity comes from WATCH transactions and
// batch atomicity from a Lua script.
type RedisStore struct {
	Redis *redis.Client

	// retries bounds the optimistic WATCH loop in Update.
	retries int
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{
		Redis:   redisClient,
		retries: 16,
	}
}

func (s *RedisStore) Create(ctx context.Context, key string, value []byte) error {
	ok, err := s.Redis.SetNX(ctx, keyPrefix+key, value, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Redis.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, mutate func([]byte) ([]byte, error)) error {
	storageKey := keyPrefix + key

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, storageKey).Bytes()
		if err == redis.Nil {
			return ErrKeyNotFound
		} else if err != nil {
			return err
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, storageKey, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.retries; i++ {
		err := s.Redis.Watch(ctx, txn, storageKey)
		if err == redis.TxFailedErr {
			// Concurrent writer raced us, retry with a fresh read.
			continue
		}
		return err
	}
	return fmt.Errorf("store: update contention on key %s", key)
}

func (s *RedisStore) Apply(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}

	keys := make([]string, 0, len(batch.Creates)+len(batch.Updates))
	args := make([]any, 0, len(keys)+1)
	args = append(args, len(batch.Creates))

	for key, value := range batch.Creates {
		keys = append(keys, keyPrefix+key)
		args = append(args, string(value))
	}
	for key, value := range batch.Updates {
		keys = append(keys, keyPrefix+key)
		args = append(args, string(value))
	}

	err := applyBatchScript.Run(ctx, s.Redis, keys, args...).Err()
	if err != nil && errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if err.Error() == "key_exists" {
			return ErrKeyExists
		}
		return err
	}
	return nil
}
