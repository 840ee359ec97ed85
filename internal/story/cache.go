package story

import (
	"context"
	"time"
)

// StoryCache keeps external key -> story id lookups off the database.
type StoryCache interface {
	GetStoryID(ctx context.Context, key string) (id uint64, ok bool, err error)
	SetStoryID(ctx context.Context, key string, id uint64) error
	InvalidateStory(ctx context.Context, key string) error
}

// OverviewCache holds rendered child ability overviews keyed by child and period.
type OverviewCache interface {
	GetOverview(ctx context.Context, childID uint64, period string) (*ChildOverview, bool, error)
	SetOverview(ctx context.Context, childID uint64, period string, o *ChildOverview, ttl time.Duration) error
	InvalidateOverviews(ctx context.Context, childID uint64) error
}

type noopCache struct{}

func (noopCache) GetStoryID(context.Context, string) (uint64, bool, error) { return 0, false, nil }
func (noopCache) SetStoryID(context.Context, string, uint64) error         { return nil }
func (noopCache) InvalidateStory(context.Context, string) error            { return nil }

func (noopCache) GetOverview(context.Context, uint64, string) (*ChildOverview, bool, error) {
	return nil, false, nil
}
func (noopCache) SetOverview(context.Context, uint64, string, *ChildOverview, time.Duration) error {
	return nil
}
func (noopCache) InvalidateOverviews(context.Context, uint64) error { return nil }
