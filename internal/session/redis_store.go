// Package session stores console sessions in Redis: the sealed remote-store
// credential, the user's principals, and a per-session generation counter
// bumped whenever the session switches servers. Cached server snapshots are
// invalidated on logout and on every generation bump.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"countersign/api/internal/remote"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found or expired")

// Data holds everything the console keeps per session.
type Data struct {
	UserID           string    `json:"user_id"`
	Server           string    `json:"server"`
	Principals       []string  `json:"principals"`
	SealedCredential []byte    `json:"sealed_credential"`
	CreatedAt        time.Time `json:"created_at"`
}

// RedisStore implements session storage using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store.
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

	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(tokenHash string) string  { return "session:" + tokenHash }
func genKey(tokenHash string) string      { return "session-gen:" + tokenHash }
func snapshotKey(tokenHash string) string { return "server-snapshot:" + tokenHash }

// Save stores a session under the hashed access token.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, data Data) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(tokenHash), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup retrieves a session.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Data, error) {
	jsonData, err := s.client.Get(ctx, sessionKey(tokenHash)).Result()
	if err == redis.Nil {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, fmt.Errorf("lookup session: %w", err)
	}
	var data Data
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return Data{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return data, nil
}

// Revoke deletes a session together with its cached server snapshot and
// generation counter.
func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	keys := []string{sessionKey(tokenHash), snapshotKey(tokenHash), genKey(tokenHash)}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Generation returns the session's current server generation. A session
// that never switched servers is at generation 0.
func (s *RedisStore) Generation(ctx context.Context, tokenHash string) (int64, error) {
	gen, err := s.client.Get(ctx, genKey(tokenHash)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session generation: %w", err)
	}
	return gen, nil
}

// BumpGeneration advances the generation counter and drops the cached
// server snapshot, so in-flight fetches against the previous server are
// discarded and fresh state is loaded from the new one.
func (s *RedisStore) BumpGeneration(ctx context.Context, tokenHash string) (int64, error) {
	if err := s.client.Del(ctx, snapshotKey(tokenHash)).Err(); err != nil {
		return 0, fmt.Errorf("drop server snapshot: %w", err)
	}
	gen, err := s.client.Incr(ctx, genKey(tokenHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump session generation: %w", err)
	}
	return gen, nil
}

// CacheServerInfo stores the server's capability and principal snapshot for
// the session, with a short TTL so permission changes show up without a
// re-login.
func (s *RedisStore) CacheServerInfo(ctx context.Context, tokenHash string, info remote.ServerInfo, ttl time.Duration) error {
	jsonData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal server snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("cache server snapshot: %w", err)
	}
	return nil
}

// CachedServerInfo returns the cached snapshot, or nil on a miss.
func (s *RedisStore) CachedServerInfo(ctx context.Context, tokenHash string) (*remote.ServerInfo, error) {
	jsonData, err := s.client.Get(ctx, snapshotKey(tokenHash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server snapshot: %w", err)
	}
	var info remote.ServerInfo
	if err := json.Unmarshal([]byte(jsonData), &info); err != nil {
		return nil, fmt.Errorf("unmarshal server snapshot: %w", err)
	}
	return &info, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
