package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const casRetries = 3

type redisStore struct {
	client    *redis.Client
	namespace string
}

// redisEnvelope is the value stored under each key.
type redisEnvelope struct {
	Revision  int64           `json:"rev"`
	UpdatedAt time.Time       `json:"updated_at"`
	Value     json.RawMessage `json:"value"`
}

func NewRedisStore(ctx context.Context, redisURL, namespace string) (Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &redisStore{client: client, namespace: namespace}, nil
}

func (s *redisStore) key(k string) string {
	return s.namespace + k
}

func (s *redisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(key, raw)
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) (int64, error) {
	var rev int64
	err := s.watch(ctx, key, func(tx *redis.Tx, cur *Record) error {
		rev = 1
		if cur != nil {
			rev = cur.Revision + 1
		}
		return s.write(ctx, tx, key, rev, value)
	})
	return rev, err
}

func (s *redisStore) CompareAndSwap(ctx context.Context, key string, revision int64, value []byte) (int64, error) {
	var rev int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.current(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case revision == 0 && cur != nil:
			return ErrConflict
		case revision != 0 && (cur == nil || cur.Revision != revision):
			return ErrConflict
		}
		rev = revision + 1
		return s.write(ctx, tx, key, rev, value)
	}, s.key(key))
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrConflict
	}
	return rev, err
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) ListByPrefix(ctx context.Context, prefix string) ([]Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.key(prefix))+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		rec, err := decodeRedisRecord(strings.TrimPrefix(keys[i], s.namespace), []byte(str))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (s *redisStore) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.client.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}
	stats["status"] = "up"
	poolStats := s.client.PoolStats()
	stats["total_conns"] = fmt.Sprint(poolStats.TotalConns)
	stats["idle_conns"] = fmt.Sprint(poolStats.IdleConns)
	return stats
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx, cur *Record) error) error {
	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := s.current(ctx, tx, key)
			if err != nil {
				return err
			}
			return fn(tx, cur)
		}, s.key(key))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

func (s *redisStore) current(ctx context.Context, tx *redis.Tx, key string) (*Record, error) {
	raw, err := tx.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(key, raw)
}

func (s *redisStore) write(ctx context.Context, tx *redis.Tx, key string, rev int64, value []byte) error {
	data, err := json.Marshal(redisEnvelope{Revision: rev, UpdatedAt: time.Now().UTC(), Value: value})
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), data, 0)
		return nil
	})
	return err
}

func decodeRedisRecord(key string, raw []byte) (*Record, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode redis record %s: %w", key, err)
	}
	return &Record{Key: key, Value: []byte(env.Value), Revision: env.Revision, UpdatedAt: env.UpdatedAt}, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
