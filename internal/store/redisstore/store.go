package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

var (
	_ story.StoryCache    = (*Store)(nil)
	_ story.OverviewCache = (*Store)(nil)
)

// Store backs the story key cache and the child overview cache.
type Store struct {
	rdb      *redis.Client
	storyTTL time.Duration
	log      *zap.Logger
}

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func New(rdb *redis.Client, storyTTL time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rdb: rdb, storyTTL: storyTTL, log: log.Named("redisstore")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func storyKey(externalKey string) string {
	return "story:key:" + externalKey
}

func overviewKey(childID uint64, period string) string {
	return fmt.Sprintf("child:%d:overview:%s", childID, period)
}

func (s *Store) GetStoryID(ctx context.Context, key string) (uint64, bool, error) {
	v, err := s.rdb.Get(ctx, storyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		// garbage under our key; treat as a miss and let the resolver overwrite it
		s.log.Warn("bad story id in cache", zap.String("story_key", key), zap.String("value", v))
		return 0, false, nil
	}
	return id, true, nil
}

func (s *Store) SetStoryID(ctx context.Context, key string, id uint64) error {
	return s.rdb.Set(ctx, storyKey(key), strconv.FormatUint(id, 10), s.storyTTL).Err()
}

func (s *Store) InvalidateStory(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, storyKey(key)).Err()
}

func (s *Store) GetOverview(ctx context.Context, childID uint64, period string) (*story.ChildOverview, bool, error) {
	b, err := s.rdb.Get(ctx, overviewKey(childID, period)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var o story.ChildOverview
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, false, fmt.Errorf("decode overview: %w", err)
	}
	return &o, true, nil
}

func (s *Store) SetOverview(ctx context.Context, childID uint64, period string, o *story.ChildOverview, ttl time.Duration) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, overviewKey(childID, period), b, ttl).Err()
}

func (s *Store) InvalidateOverviews(ctx context.Context, childID uint64) error {
	keys := make([]string, 0, len(story.Periods))
	for _, p := range story.Periods {
		keys = append(keys, overviewKey(childID, p))
	}
	return s.rdb.Del(ctx, keys...).Err()
}
