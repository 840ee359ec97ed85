package story

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/story-engine/internal/ability"
	"github.com/suPer8Hu/story-engine/internal/ai"
	"go.uber.org/zap"
)

// CustomChoice is a typed-in choice tagged with the ability it shows. The client sends
// it back through Advance like any offered option.
type CustomChoice struct {
	SceneIndex    int    `json:"scene_index"`
	ChoiceText    string `json:"choice_text"`
	AbilityType   string `json:"ability_type"`
	AbilityPoints int    `json:"ability_points"`
	Feedback      string `json:"feedback,omitempty"`
}

// AnalyzeChoice asks the generator to score free text the child wrote for a scene.
// Nothing is recorded.
func (s *Service) AnalyzeChoice(ctx context.Context, sessionID string, sceneIndex int, text string) (*CustomChoice, error) {
	text = strings.TrimSpace(text)
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Completed() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionAlreadyCompleted)
	}
	if err := validateChoice(ChoiceInput{SceneIndex: sceneIndex, ChoiceText: text}); err != nil {
		return nil, err
	}
	if sceneIndex > sess.CurrentScene {
		return nil, invalidf("scene %d not reached yet (current %d)", sceneIndex, sess.CurrentScene)
	}

	analyzer, ok := s.gen.(ai.ChoiceAnalyzer)
	if !ok {
		return nil, fmt.Errorf("%w: generator cannot analyse choices", ErrGenerationFailed)
	}
	var story Story
	if err := s.db.WithContext(ctx).Where("id = ?", sess.StoryID).Take(&story).Error; err != nil {
		return nil, notFound("story", err)
	}
	req := ai.ChoiceAnalysisRequest{
		StoryID:     story.Key(),
		ChildID:     sess.ChildID,
		SceneNumber: sceneIndex,
		Text:        text,
	}
	if scene, err := s.scenes.Get(ctx, sess.StoryID, sceneIndex); err == nil {
		req.SceneContent = scene.Content
	}

	actx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()
	res, err := analyzer.AnalyzeChoice(actx, req)
	if err != nil {
		s.log.Warn("choice analysis failed", zap.String("session_id", sessionID), zap.Int("scene_index", sceneIndex), zap.Error(err))
		return nil, fmt.Errorf("%w: analyse scene %d choice: %w", ErrGenerationFailed, sceneIndex, err)
	}

	return &CustomChoice{
		SceneIndex:    sceneIndex,
		ChoiceText:    text,
		AbilityType:   string(ability.Canonical(res.AbilityType)),
		AbilityPoints: res.AbilityPoints,
		Feedback:      res.Feedback,
	}, nil
}
