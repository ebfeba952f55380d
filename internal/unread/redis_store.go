// Package unread caches per-chapter unread comment counts in Redis.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss means no summary is cached for the user; rebuild it from the
// comment table and Save it.
var ErrCacheMiss = errors.New("unread summary not cached")

// loadedField marks a cached summary, so an empty one is not a miss.
const loadedField = "_loaded"

// ChapterCount is the unread state of one chapter for one reader.
type ChapterCount struct {
	ChapterID string    `json:"chapter_id"`
	Count     int       `json:"count"`
	LatestAt  time.Time `json:"latest_at"`
}

// RedisStore keeps two hashes per user: counts and latest comment times,
// both keyed by chapter id.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed unread cache
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "unread:",
		ttl:    24 * time.Hour,
	}
}

func (s *RedisStore) countsKey(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) latestKey(userID string) string {
	return s.prefix + userID + ":latest"
}

// Save replaces the cached summary for userID
func (s *RedisStore) Save(ctx context.Context, userID string, counts []ChapterCount) error {
	countFields := map[string]any{loadedField: 1}
	latestFields := map[string]any{}
	for _, c := range counts {
		if c.Count <= 0 {
			continue
		}
		countFields[c.ChapterID] = c.Count
		latestFields[c.ChapterID] = c.LatestAt.UnixMilli()
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.countsKey(userID), s.latestKey(userID))
	pipe.HSet(ctx, s.countsKey(userID), countFields)
	if len(latestFields) > 0 {
		pipe.HSet(ctx, s.latestKey(userID), latestFields)
		pipe.Expire(ctx, s.latestKey(userID), s.ttl)
	}
	pipe.Expire(ctx, s.countsKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save unread summary: %w", err)
	}
	return nil
}

// Summary returns the cached counts, newest chapter activity first
func (s *RedisStore) Summary(ctx context.Context, userID string) ([]ChapterCount, error) {
	counts, err := s.client.HGetAll(ctx, s.countsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load unread counts: %w", err)
	}
	if len(counts) == 0 {
		return nil, ErrCacheMiss
	}
	latest, err := s.client.HGetAll(ctx, s.latestKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load unread times: %w", err)
	}

	out := make([]ChapterCount, 0, len(counts))
	for chapterID, raw := range counts {
		if chapterID == loadedField {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		c := ChapterCount{ChapterID: chapterID, Count: n}
		if ms, err := strconv.ParseInt(latest[chapterID], 10, 64); err == nil {
			c.LatestAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LatestAt.Equal(out[j].LatestAt) {
			return out[i].LatestAt.After(out[j].LatestAt)
		}
		return out[i].ChapterID < out[j].ChapterID
	})
	return out, nil
}

// Increment records a new unread comment. Users without a cached summary are
// skipped; their next Summary call rebuilds from the database.
func (s *RedisStore) Increment(ctx context.Context, userID, chapterID string, at time.Time) error {
	exists, err := s.client.Exists(ctx, s.countsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("check unread summary: %w", err)
	}
	if exists == 0 {
		return nil
	}

	prev, err := s.client.HGet(ctx, s.latestKey(userID), chapterID).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load unread time: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, s.countsKey(userID), chapterID, 1)
	if at.UnixMilli() > prev {
		pipe.HSet(ctx, s.latestKey(userID), chapterID, at.UnixMilli())
		pipe.Expire(ctx, s.latestKey(userID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// Decrement records that one comment was read. Counts never go below zero.
func (s *RedisStore) Decrement(ctx context.Context, userID, chapterID string) error {
	exists, err := s.client.HExists(ctx, s.countsKey(userID), chapterID).Result()
	if err != nil {
		return fmt.Errorf("check unread count: %w", err)
	}
	if !exists {
		return nil
	}
	n, err := s.client.HIncrBy(ctx, s.countsKey(userID), chapterID, -1).Result()
	if err != nil {
		return fmt.Errorf("decrement unread: %w", err)
	}
	if n <= 0 {
		if err := s.client.HDel(ctx, s.countsKey(userID), chapterID).Err(); err != nil {
			return fmt.Errorf("clear unread count: %w", err)
		}
		if err := s.client.HDel(ctx, s.latestKey(userID), chapterID).Err(); err != nil {
			return fmt.Errorf("clear unread time: %w", err)
		}
	}
	return nil
}

// Invalidate drops the cached summary for userID
func (s *RedisStore) Invalidate(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.countsKey(userID), s.latestKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate unread summary: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
