// Package redis implements LockStore on Redis. Each lock is a hash holding
// the owner's id and name, expired by Redis itself.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// KEYS[1] = lock key, ARGV[1] = user id, ARGV[2] = name, ARGV[3] = ttl ms
	acquireScript = redis.NewScript(`
	local owner = redis.call("HGET", KEYS[1], "user_id")
	if owner and owner ~= ARGV[1] then
		return 0
	end
	redis.call("HSET", KEYS[1], "user_id", ARGV[1], "name", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
	`)

	// KEYS[1] = lock key, ARGV[1] = user id, ARGV[2] = ttl ms
	renewScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "user_id") == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
	`)

	// KEYS[1] = lock key, ARGV[1] = user id
	releaseScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "user_id") == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
	`)
)

// RedisStore implements lock storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = core.DefaultLockTTL
	}
	return &RedisStore{client: client, prefix: "lock:", ttl: ttl}
}

func (s *RedisStore) key(docID string) string {
	return s.prefix + docID
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, docID string, holder core.LockHolder) (*core.LockResult, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": docID, "user_id": holder.UserID})

	ok, err := acquireScript.Run(ctx, s.client, []string{s.key(docID)},
		holder.UserID, holder.Name, s.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if ok == 1 {
		exp := time.Now().Add(s.ttl)
		log.Info("Lock acquired successfully")
		return &core.LockResult{OK: true, Holder: &holder, ExpiresAt: &exp}, nil
	}

	status, err := s.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &core.LockResult{OK: false, Holder: status.Holder, ExpiresAt: status.ExpiresAt}, nil
}

func (s *RedisStore) Renew(ctx context.Context, docID, userID string) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(docID)}, userID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, docID, userID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(docID)}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if n == 1 {
		logrus.WithFields(logrus.Fields{"document_id": docID, "user_id": userID}).Info("Lock released successfully")
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, docID string) (*core.LockStatus, error) {
	key := s.key(docID)

	var fields *redis.SliceCmd
	var pttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HMGet(ctx, key, "user_id", "name")
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}

	values := fields.Val()
	userID, _ := values[0].(string)
	if userID == "" {
		return &core.LockStatus{Locked: false}, nil
	}
	name, _ := values[1].(string)

	status := &core.LockStatus{Locked: true, Holder: &core.LockHolder{UserID: userID, Name: name}}
	if ttl := pttl.Val(); ttl > 0 {
		exp := time.Now().Add(ttl)
		status.ExpiresAt = &exp
	}
	return status, nil
}
