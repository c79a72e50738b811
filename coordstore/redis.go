package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	merchanthub "github.com/scr53005/merchant-hub"
)

var hsetMaxScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local candidate = tonumber(ARGV[2])
if candidate > current then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return candidate
end
return current
`)

var deleteIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Store on a Redis-compatible server.
type RedisStore struct {
	client redis.UniversalClient
}

// RedisConfig holds connection settings for NewRedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, transient("SET NX", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, transient("GET", err)
	}
	return value, true, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, transient("PTTL", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, transient("PEXPIRE", err)
	}
	return ok, nil
}

func (s *RedisStore) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqualScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, transient("compare-and-delete", err)
	}
	return n > 0, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, transient("HGETALL", err)
	}
	return values, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(values))
	for field, value := range values {
		args[field] = value
	}
	if err := s.client.HSet(ctx, key, args).Err(); err != nil {
		return transient("HSET", err)
	}
	return nil
}

func (s *RedisStore) HSetMax(ctx context.Context, key, field string, value int64) (int64, error) {
	current, err := hsetMaxScript.Run(ctx, s.client, []string{key}, field, value).Int64()
	if err != nil {
		return 0, transient("HSET max", err)
	}
	return current, nil
}

func (s *RedisStore) XAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for field, value := range fields {
		values[field] = value
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", transient("XADD", err)
	}
	return id, nil
}

func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string) (bool, error) {
	exists, err := s.client.Exists(ctx, stream).Result()
	if err != nil {
		return false, transient("EXISTS", err)
	}
	if exists > 0 {
		found, err := s.hasGroup(ctx, stream, group)
		if err != nil {
			return false, err
		}
		if found {
			return false, nil
		}
	}

	createErr := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if createErr == nil {
		return true, nil
	}
	// A concurrent caller may have created the group between the check and
	// the create; confirm by listing instead of parsing the error text.
	found, err := s.hasGroup(ctx, stream, group)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return false, transient("XGROUP CREATE", createErr)
}

func (s *RedisStore) hasGroup(ctx context.Context, stream, group string) (bool, error) {
	groups, err := s.XInfoGroups(ctx, stream)
	if err != nil {
		return false, err
	}
	for _, info := range groups {
		if info.Name == group {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisStore) XReadGroupNew(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("XREADGROUP", err)
	}
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (s *RedisStore) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("XAUTOCLAIM", err)
	}
	return toEntries(messages), nil
}

func (s *RedisStore) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, transient("XACK", err)
	}
	return n, nil
}

func (s *RedisStore) XPendingCount(ctx context.Context, stream, group string) (int64, error) {
	pending, err := s.client.XPending(ctx, stream, group).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, transient("XPENDING", err)
	}
	return pending.Count, nil
}

func (s *RedisStore) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, transient("XLEN", err)
	}
	return n, nil
}

func (s *RedisStore) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	exists, err := s.client.Exists(ctx, stream).Result()
	if err != nil {
		return nil, transient("EXISTS", err)
	}
	if exists == 0 {
		return nil, nil
	}
	groups, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, transient("XINFO GROUPS", err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
			Lag:             g.Lag,
		})
	}
	return out, nil
}

func toEntries(messages []redis.XMessage) []Entry {
	if len(messages) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			switch value := v.(type) {
			case string:
				fields[k] = value
			default:
				fields[k] = fmt.Sprint(value)
			}
		}
		entries = append(entries, Entry{ID: msg.ID, Fields: fields})
	}
	return entries
}

func transient(op string, err error) error {
	return merchanthub.TransientSourceError{Source: "store " + op, Err: err}
}
