package story

import (
	"context"

	"github.com/suPer8Hu/story-engine/internal/ability"
)

type Summary struct {
	Session   *Session       `json:"session"`
	Story     *Story         `json:"story"`
	Scenes    []Scene        `json:"scenes"`
	Choices   []LedgerEntry  `json:"choices"`
	Abilities ability.Report `json:"abilities"`
}

// Summary is the read model behind the completion screen. It works for active sessions too.
func (s *Service) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var story Story
	if err := s.db.WithContext(ctx).Where("id = ?", sess.StoryID).Take(&story).Error; err != nil {
		return nil, notFound("story", err)
	}
	scenes, err := s.scenes.List(ctx, sess.StoryID, sess.CurrentScene)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Session:   sess,
		Story:     &story,
		Scenes:    scenes,
		Choices:   entries,
		Abilities: ability.Aggregate(points(entries)),
	}, nil
}

func points(entries []LedgerEntry) []ability.Point {
	out := make([]ability.Point, 0, len(entries))
	for _, e := range entries {
		out = append(out, ability.Point{Type: e.AbilityType, Points: e.AbilityPoints})
	}
	return out
}
