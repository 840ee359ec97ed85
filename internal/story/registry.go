package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/story-engine/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultResolveAttempts = 5
	defaultResolveBackoff  = 200 * time.Millisecond
	maxExternalKeyLen      = 64
)

// Resolver maps external catalog keys onto Story rows, creating placeholders on first use.
// Concurrent callers with the same key always end up with the same row.
type Resolver struct {
	db       *gorm.DB
	cache    StoryCache
	log      *zap.Logger
	attempts int
	backoff  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

type ResolverOption func(*Resolver)

func WithStoryCache(c StoryCache) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithRetry bounds the re-reads after losing a creation race. Attempt n waits n*backoff.
func WithRetry(attempts int, backoff time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

func NewResolver(db *gorm.DB, log *zap.Logger, opts ...ResolverOption) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{
		db:       db,
		cache:    noopCache{},
		log:      log,
		attempts: defaultResolveAttempts,
		backoff:  defaultResolveBackoff,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, externalKey string) (*Story, error) {
	key := strings.TrimSpace(externalKey)
	if key == "" {
		return nil, invalidf("story key is empty")
	}
	if len(key) > maxExternalKeyLen {
		return nil, invalidf("story key longer than %d bytes", maxExternalKeyLen)
	}

	if s := r.fromCache(ctx, key); s != nil {
		metrics.StoryResolutions.WithLabelValues("cached").Inc()
		return s, nil
	}

	s, created, err := r.lockOrCreate(ctx, key)
	if err == nil {
		if created {
			metrics.StoryResolutions.WithLabelValues("created").Inc()
			r.log.Info("story placeholder created", zap.String("story_key", key), zap.Uint64("story_id", s.ID))
		} else {
			metrics.StoryResolutions.WithLabelValues("found").Inc()
		}
		r.remember(ctx, key, s.ID)
		return s, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("resolve story %q: %w", key, err)
	}

	// Another writer inserted the key between our read and our insert. Its row becomes
	// visible once that transaction commits.
	metrics.StoryResolutions.WithLabelValues("raced").Inc()
	r.log.Debug("story creation raced", zap.String("story_key", key))
	if err := r.cache.InvalidateStory(ctx, key); err != nil {
		r.log.Warn("story cache invalidate failed", zap.String("story_key", key), zap.Error(err))
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := r.sleep(ctx, r.backoff*time.Duration(attempt)); err != nil {
			return nil, err
		}
		s, err := r.lockedRead(ctx, key)
		if err == nil {
			r.remember(ctx, key, s.ID)
			return s, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve story %q: %w", key, err)
		}
	}

	metrics.StoryResolutions.WithLabelValues("conflict").Inc()
	r.log.Warn("story not visible after retries", zap.String("story_key", key), zap.Int("attempts", r.attempts))
	return nil, fmt.Errorf("%w: story %q not visible after %d attempts", ErrTransientConflict, key, r.attempts)
}

func (r *Resolver) lockOrCreate(ctx context.Context, key string) (*Story, bool, error) {
	var (
		out     Story
		created bool
	)
	err := inTx(ctx, r.db, func(tx *gorm.DB) error {
		err := forUpdate(tx).Where("external_key = ?", key).Take(&out).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		k := key
		out = Story{ExternalKey: &k, Title: PlaceholderTitle, Category: PlaceholderCategory}
		if err := tx.Create(&out).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (r *Resolver) lockedRead(ctx context.Context, key string) (*Story, error) {
	var out Story
	err := inTx(ctx, r.db, func(tx *gorm.DB) error {
		return forUpdate(tx).Where("external_key = ?", key).Take(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// fromCache returns nil on any miss. A mapping that points at the wrong row is dropped.
func (r *Resolver) fromCache(ctx context.Context, key string) *Story {
	id, ok, err := r.cache.GetStoryID(ctx, key)
	if err != nil {
		r.log.Warn("story cache read failed", zap.String("story_key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var s Story
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error; err == nil && s.Key() == key {
		return &s
	}
	if err := r.cache.InvalidateStory(ctx, key); err != nil {
		r.log.Warn("story cache invalidate failed", zap.String("story_key", key), zap.Error(err))
	}
	return nil
}

func (r *Resolver) remember(ctx context.Context, key string, id uint64) {
	if err := r.cache.SetStoryID(ctx, key, id); err != nil {
		r.log.Warn("story cache write failed", zap.String("story_key", key), zap.Error(err))
	}
}
