package story

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func countStories(t *testing.T, db *gorm.DB, key string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&Story{}).Where("external_key = ?", key).Count(&n).Error)
	return n
}

func TestResolve_CreatesPlaceholderOnce(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, zap.NewNop())
	ctx := context.Background()

	first, err := r.Resolve(ctx, "  KEY-1 ")
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", first.Key())
	assert.Equal(t, PlaceholderTitle, first.Title)
	assert.Equal(t, PlaceholderCategory, first.Category)

	again, err := r.Resolve(ctx, "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.EqualValues(t, 1, countStories(t, db, "KEY-1"))
}

func TestResolve_RejectsBadKeys(t *testing.T) {
	r := NewResolver(openTestDB(t), zap.NewNop())

	_, err := r.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	long := make([]byte, maxExternalKeyLen+1)
	for i := range long {
		long[i] = 'k'
	}
	_, err = r.Resolve(context.Background(), string(long))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolve_ConcurrentCallersShareOneRow(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, zap.NewNop(), WithRetry(5, time.Millisecond))

	const callers = 16
	ids := make([]uint64, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			s, err := r.Resolve(context.Background(), "KEY-RACE")
			if err != nil {
				return err
			}
			ids[i] = s.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.EqualValues(t, 1, countStories(t, db, "KEY-RACE"))
}

// injectDuplicate makes the next story insert fail with a unique violation, as if a
// concurrent writer had inserted the same key first. The shadow row rolls back with
// the failing transaction.
func injectDuplicate(t *testing.T, db *gorm.DB) {
	t.Helper()
	var once sync.Once
	err := db.Callback().Create().Before("gorm:create").Register("test:duplicate_story", func(tx *gorm.DB) {
		if tx.Statement.Schema == nil || tx.Statement.Schema.Table != "stories" {
			return
		}
		s, ok := tx.Statement.Dest.(*Story)
		if !ok || s.ExternalKey == nil {
			return
		}
		once.Do(func() {
			now := time.Now()
			_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
				"INSERT INTO stories (external_key, title, category, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
				*s.ExternalKey, "shadow", PlaceholderCategory, "", now, now)
			if err != nil {
				_ = tx.AddError(err)
			}
		})
	})
	require.NoError(t, err)
}

func TestResolve_RereadsAfterLostRace(t *testing.T) {
	db := openTestDB(t)
	injectDuplicate(t, db)
	cache := newMemCache()
	r := NewResolver(db, zap.NewNop(), WithRetry(3, time.Millisecond), WithStoryCache(cache))

	var waits []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			now := time.Now()
			return db.Exec(
				"INSERT INTO stories (external_key, title, category, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
				"KEY-7", "winner", "fairy tale", "", now, now).Error
		}
		return nil
	}

	s, err := r.Resolve(context.Background(), "KEY-7")
	require.NoError(t, err)
	assert.Equal(t, "winner", s.Title)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	assert.Contains(t, cache.dropped, "KEY-7")
	assert.EqualValues(t, 1, countStories(t, db, "KEY-7"))

	id, ok, _ := cache.GetStoryID(context.Background(), "KEY-7")
	assert.True(t, ok)
	assert.Equal(t, s.ID, id)
}

func TestResolve_GivesUpWithTransientConflict(t *testing.T) {
	db := openTestDB(t)
	injectDuplicate(t, db)
	r := NewResolver(db, zap.NewNop(), WithRetry(3, time.Millisecond))

	var waits int
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		return nil
	}

	_, err := r.Resolve(context.Background(), "KEY-8")
	require.ErrorIs(t, err, ErrTransientConflict)
	assert.True(t, Retryable(err))
	assert.Equal(t, 3, waits)
	assert.EqualValues(t, 0, countStories(t, db, "KEY-8"))
}

func TestResolve_DropsStaleCacheEntry(t *testing.T) {
	db := openTestDB(t)
	cache := newMemCache()
	require.NoError(t, cache.SetStoryID(context.Background(), "KEY-3", 999))
	r := NewResolver(db, zap.NewNop(), WithStoryCache(cache))

	s, err := r.Resolve(context.Background(), "KEY-3")
	require.NoError(t, err)
	assert.NotEqual(t, uint64(999), s.ID)
	assert.Contains(t, cache.dropped, "KEY-3")

	id, ok, _ := cache.GetStoryID(context.Background(), "KEY-3")
	require.True(t, ok)
	assert.Equal(t, s.ID, id)

	// served from the cache now
	cached, err := r.Resolve(context.Background(), "KEY-3")
	require.NoError(t, err)
	assert.Equal(t, s.ID, cached.ID)
}
