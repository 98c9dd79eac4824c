// Package redis implements kv.Store over a Redis (or Redis-compatible)
// server using github.com/redis/go-redis/v9.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/corerun/corerun/kv"
)

// setNXScript performs an atomic "set if absent, with optional expiry" —
// go-redis's SetNX does not accept a zero TTL meaning "no expiry" cleanly
// alongside a true NX check, so this is done as a single round trip.
var setNXScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
else
	redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// Config holds connection parameters for a Redis-backed Store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed implementation of kv.Store.
type Store struct {
	client *goredis.Client
	log    *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New connects to Redis and verifies reachability with a PING before
// returning, so callers fail fast at start-up rather than on first use.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     32,
		MinIdleConns: 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: connect to %s: %w", cfg.Addr, err)
	}

	log.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return &Store{client: client, log: log}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := setNXScript.Run(ctx, s.client, []string{key}, value, int64(ttl/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis: expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: ttl %s: %w", key, err)
	}
	// go-redis reports the -2 (missing) and -1 (no expiry) replies as raw
	// durations, not scaled to seconds.
	if d == -2 {
		return 0, kv.ErrNotFound
	}
	if d == -1 {
		return -1, nil
	}
	return d, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis: sadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: smembers %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis: srem %s: %w", key, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			if !fn(k) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis: lpush %s: %w", key, err)
	}
	return nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("redis: ltrim %s: %w", key, err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

func (s *Store) XAdd(ctx context.Context, key string, maxLen int64, fields map[string]string) (string, error) {
	args := &goredis.XAddArgs{
		Stream: key,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis: xadd %s: %w", key, err)
	}
	return id, nil
}

func (s *Store) XRange(ctx context.Context, key, start, end string, count int64) ([]kv.StreamEntry, error) {
	var (
		msgs []goredis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, key, start, end, count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, key, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xrange %s: %w", key, err)
	}
	return toStreamEntries(msgs), nil
}

func (s *Store) XLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: xlen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) XGroupCreate(ctx context.Context, key, group, startID string) error {
	err := s.client.XGroupCreateMkStream(ctx, key, group, startID).Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("redis: xgroup create %s/%s: %w", key, group, err)
	}
	return nil
}

func (s *Store) XReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]kv.StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xreadgroup %s/%s: %w", key, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toStreamEntries(res[0].Messages), nil
}

func (s *Store) XAck(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: xack %s/%s: %w", key, group, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toStreamEntries(msgs []goredis.XMessage) []kv.StreamEntry {
	out := make([]kv.StreamEntry, len(msgs))
	for i, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out[i] = kv.StreamEntry{ID: m.ID, Fields: fields}
	}
	return out
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
