package story

import (
	"context"
	"time"
)

const EventSessionCompleted = "session.completed"

type SessionCompleted struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	ChildID      uint64    `json:"child_id"`
	StoryID      uint64    `json:"story_id"`
	AbilityScore int       `json:"ability_score"`
	TotalTime    int       `json:"total_time"`
	CompletedAt  time.Time `json:"completed_at"`
}

// EventPublisher delivers lifecycle events. Delivery is best effort: the session row is
// the source of truth.
type EventPublisher interface {
	PublishSessionCompleted(ctx context.Context, ev SessionCompleted) error
}
