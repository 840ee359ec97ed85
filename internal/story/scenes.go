package story

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/story-engine/internal/ai"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SceneContent struct {
	Text        string
	ImagePrompt string
	ImageURL    string
	Options     []ai.SceneOption
}

func contentFrom(res *ai.SceneResult) SceneContent {
	return SceneContent{Text: res.Content, ImagePrompt: res.IllustrationPrompt, Options: res.Options}
}

// SceneStore persists one scene per (story, index). Scenes are shared by every session
// of the story and never change once written.
type SceneStore struct {
	db *gorm.DB
}

func NewSceneStore(db *gorm.DB) *SceneStore {
	return &SceneStore{db: db}
}

// PutIfAbsent stores c unless the slot is taken and returns whatever row holds the slot.
func (s *SceneStore) PutIfAbsent(ctx context.Context, storyID uint64, index int, c SceneContent) (*Scene, error) {
	return putScene(s.db.WithContext(ctx), storyID, index, c)
}

func (s *SceneStore) Get(ctx context.Context, storyID uint64, index int) (*Scene, error) {
	return getScene(s.db.WithContext(ctx), storyID, index)
}

// List returns scenes 1..upTo of a story in index order.
func (s *SceneStore) List(ctx context.Context, storyID uint64, upTo int) ([]Scene, error) {
	var out []Scene
	if err := s.db.WithContext(ctx).
		Where("story_id = ? AND scene_index <= ?", storyID, upTo).
		Order("scene_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func validIndex(index int) error {
	if index < 1 || index > FinalScene {
		return invalidf("scene index %d outside 1..%d", index, FinalScene)
	}
	return nil
}

func putScene(tx *gorm.DB, storyID uint64, index int, c SceneContent) (*Scene, error) {
	if err := validIndex(index); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Text) == "" {
		return nil, invalidf("scene %d has no content", index)
	}

	row := Scene{
		StoryID:     storyID,
		SceneIndex:  index,
		Content:     c.Text,
		ImagePrompt: c.ImagePrompt,
		ImageURL:    c.ImageURL,
		Options:     c.Options,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("put scene %d of story %d: %w", index, storyID, err)
	}
	return getScene(tx, storyID, index)
}

func getScene(tx *gorm.DB, storyID uint64, index int) (*Scene, error) {
	if err := validIndex(index); err != nil {
		return nil, err
	}
	var out Scene
	if err := tx.Where("story_id = ? AND scene_index = ?", storyID, index).Take(&out).Error; err != nil {
		return nil, notFound(fmt.Sprintf("scene %d of story %d", index, storyID), err)
	}
	return &out, nil
}
