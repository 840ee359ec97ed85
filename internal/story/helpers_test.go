package story

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/story-engine/internal/ai"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func intp(v int) *int { return &v }

// fakeGenerator returns deterministic scenes and remembers every request.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []ai.SceneRequest
	err   error
	title string
}

func (g *fakeGenerator) GenerateScene(ctx context.Context, req ai.SceneRequest) (*ai.SceneResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	res := &ai.SceneResult{
		Content:            fmt.Sprintf("scene %d of %s", req.SceneNumber, req.StoryID),
		IllustrationPrompt: fmt.Sprintf("picture %d", req.SceneNumber),
		ProposedTitle:      g.title,
	}
	if req.SceneNumber < FinalScene {
		res.Options = []ai.SceneOption{
			{ChoiceID: fmt.Sprintf("c%d1", req.SceneNumber), Text: "share the toy", AbilityType: "kindness", AbilityPoints: 3},
			{ChoiceID: fmt.Sprintf("c%d2", req.SceneNumber), Text: "be brave", AbilityType: "courage", AbilityPoints: 2},
		}
	}
	return res, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) lastCall() ai.SceneRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func (g *fakeGenerator) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type memCache struct {
	mu        sync.Mutex
	stories   map[string]uint64
	overviews map[string]*ChildOverview
	dropped   []string
}

func newMemCache() *memCache {
	return &memCache{stories: map[string]uint64{}, overviews: map[string]*ChildOverview{}}
}

func (c *memCache) GetStoryID(_ context.Context, key string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.stories[key]
	return id, ok, nil
}

func (c *memCache) SetStoryID(_ context.Context, key string, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stories[key] = id
	return nil
}

func (c *memCache) InvalidateStory(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stories, key)
	c.dropped = append(c.dropped, key)
	return nil
}

func overviewKey(childID uint64, period string) string { return fmt.Sprintf("%d:%s", childID, period) }

func (c *memCache) GetOverview(_ context.Context, childID uint64, period string) (*ChildOverview, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.overviews[overviewKey(childID, period)]
	return o, ok, nil
}

func (c *memCache) SetOverview(_ context.Context, childID uint64, period string, o *ChildOverview, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overviews[overviewKey(childID, period)] = o
	return nil
}

func (c *memCache) InvalidateOverviews(_ context.Context, childID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range Periods {
		delete(c.overviews, overviewKey(childID, p))
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SessionCompleted
	err    error
}

func (p *recordingPublisher) PublishSessionCompleted(_ context.Context, ev SessionCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func newTestService(t *testing.T, db *gorm.DB, gen ai.SceneGenerator, opts ...Option) *Service {
	t.Helper()
	r := NewResolver(db, zap.NewNop(), WithRetry(3, time.Millisecond))
	return NewService(db, r, gen, zap.NewNop(), opts...)
}

// seedSession creates a story with scenes 1..current and an active session sitting at current.
func seedSession(t *testing.T, db *gorm.DB, key string, childID uint64, current int) *Session {
	t.Helper()
	k := key
	st := Story{ExternalKey: &k, Title: "seeded", Category: PlaceholderCategory}
	if err := db.Where("external_key = ?", key).FirstOrCreate(&st).Error; err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= current; i++ {
		_, err := putScene(db, st.ID, i, SceneContent{Text: fmt.Sprintf("seeded scene %d", i)})
		require.NoError(t, err)
	}
	sid, err := NewSessionID()
	require.NoError(t, err)
	sess := &Session{SessionID: sid, ChildID: childID, StoryID: st.ID, CurrentScene: current}
	require.NoError(t, db.Create(sess).Error)
	return sess
}
