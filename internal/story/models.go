package story

import (
	"time"

	"github.com/suPer8Hu/story-engine/internal/ai"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// FinalScene is the last scene of every playthrough; it offers no decision.
	FinalScene = ai.FinalScene

	PlaceholderTitle    = "generating…"
	PlaceholderCategory = "uncategorized"
)

type Story struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalKey *string   `gorm:"type:varchar(64);uniqueIndex" json:"external_key,omitempty"`
	Title       string    `gorm:"type:varchar(200);not null" json:"title"`
	Category    string    `gorm:"type:varchar(50)" json:"category"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Story) TableName() string { return "stories" }

// Key returns the external catalog key, empty for stories created without one.
func (s *Story) Key() string {
	if s.ExternalKey != nil {
		return *s.ExternalKey
	}
	return ""
}

// Session is one child's playthrough of one story. CompletedAt == nil means in progress.
type Session struct {
	ID             uint64                      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID      string                      `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	ChildID        uint64                      `gorm:"not null;index:idx_session_child_completed,priority:1;uniqueIndex:uniq_session_child_idempo,priority:1" json:"child_id"`
	ChildName      string                      `gorm:"type:varchar(100)" json:"child_name,omitempty"`
	StoryID        uint64                      `gorm:"not null;index" json:"story_id"`
	Emotion        string                      `gorm:"type:varchar(50)" json:"emotion"`
	Interests      datatypes.JSONSlice[string] `json:"interests"`
	CurrentScene   int                         `gorm:"not null;default:0" json:"current_scene"`
	AbilityScore   int                         `gorm:"not null;default:0" json:"ability_score"`
	TotalTime      *int                        `json:"total_time"`
	CompletedAt    *time.Time                  `gorm:"index:idx_session_child_completed,priority:2" json:"completed_at"`
	IdempotencyKey *string                     `gorm:"type:varchar(128);uniqueIndex:uniq_session_child_idempo,priority:2" json:"-"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (Session) TableName() string { return "story_sessions" }

func (s *Session) Completed() bool { return s.CompletedAt != nil }

type Scene struct {
	ID          uint64                              `gorm:"primaryKey;autoIncrement" json:"id"`
	StoryID     uint64                              `gorm:"not null;uniqueIndex:uniq_scene_story_index,priority:1" json:"story_id"`
	SceneIndex  int                                 `gorm:"not null;uniqueIndex:uniq_scene_story_index,priority:2" json:"scene_index"`
	Content     string                              `gorm:"type:text;not null" json:"content"`
	ImagePrompt string                              `gorm:"type:text" json:"image_prompt,omitempty"`
	ImageURL    string                              `gorm:"type:varchar(500)" json:"image_url,omitempty"`
	Options     datatypes.JSONSlice[ai.SceneOption] `json:"options"`
	CreatedAt   time.Time                           `json:"created_at"`
}

func (Scene) TableName() string { return "scenes" }

// Choice is the cross-session record of a decision taken at a scene.
type Choice struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SceneID       uint64    `gorm:"not null;uniqueIndex:uniq_choice_scene_text,priority:1" json:"scene_id"`
	ChoiceText    string    `gorm:"type:varchar(500);not null;uniqueIndex:uniq_choice_scene_text,priority:2" json:"choice_text"`
	AbilityType   string    `gorm:"type:varchar(50);not null" json:"ability_type"`
	AbilityPoints int       `gorm:"not null" json:"ability_points"`
	NextSceneID   *uint64   `gorm:"index" json:"next_scene_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Choice) TableName() string { return "choices" }

// LedgerEntry is one row of a session's ordered choice ledger. Append order is id order.
type LedgerEntry struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID     string    `gorm:"type:varchar(26);not null;uniqueIndex:uniq_ledger_session_scene_text,priority:1" json:"session_id"`
	SceneIndex    int       `gorm:"not null;uniqueIndex:uniq_ledger_session_scene_text,priority:2" json:"scene_index"`
	ChoiceText    string    `gorm:"type:varchar(500);not null;uniqueIndex:uniq_ledger_session_scene_text,priority:3" json:"choice_text"`
	ChoiceID      string    `gorm:"type:varchar(32)" json:"choice_id,omitempty"`
	AbilityType   string    `gorm:"type:varchar(50)" json:"ability_type"`
	AbilityPoints int       `gorm:"not null;default:0" json:"ability_points"`
	CreatedAt     time.Time `json:"created_at"`
}

func (LedgerEntry) TableName() string { return "session_choices" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Story{}, &Session{}, &Scene{}, &Choice{}, &LedgerEntry{})
}
