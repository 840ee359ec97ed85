package ai

import (
	"context"
	"errors"
	"fmt"
)

// PreviousChoice is one entry of the choice history sent with every generation request.
type PreviousChoice struct {
	SceneNumber  int    `json:"sceneNumber"`
	ChoiceID     string `json:"choiceId,omitempty"`
	ChoiceText   string `json:"choiceText"`
	AbilityType  string `json:"abilityType"`
	AbilityScore int    `json:"abilityScore"`
}

type SceneRequest struct {
	StoryID          string           `json:"storyId"`
	StoryTitle       string           `json:"storyTitle,omitempty"`
	StoryDescription string           `json:"storyDescription,omitempty"`
	ChildID          uint64           `json:"childId"`
	ChildName        string           `json:"childName,omitempty"`
	Emotion          string           `json:"emotion"`
	Interests        []string         `json:"interests"`
	SceneNumber      int              `json:"sceneNumber"`
	PreviousChoices  []PreviousChoice `json:"previousChoices"`
}

// SceneOption is a decision offered to the child at the end of a scene.
type SceneOption struct {
	ChoiceID      string `json:"choiceId"`
	Text          string `json:"text"`
	AbilityType   string `json:"abilityType"`
	AbilityPoints int    `json:"abilityPoints"`
}

type SceneResult struct {
	Content            string        `json:"content"`
	IllustrationPrompt string        `json:"illustrationPrompt,omitempty"`
	ProposedTitle      string        `json:"proposedTitle,omitempty"`
	Options            []SceneOption `json:"options,omitempty"`
}

// SceneGenerator produces the content of one scene. Implementations must not assume
// they keep state between calls: the full history travels in every request.
type SceneGenerator interface {
	GenerateScene(ctx context.Context, req SceneRequest) (*SceneResult, error)
}

var ErrEmptyScene = errors.New("generator returned an empty scene")

func validateResult(res *SceneResult) error {
	if res == nil || res.Content == "" {
		return ErrEmptyScene
	}
	return nil
}

// StatusError is returned when the generator answered with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generator: status %d", e.Status)
	}
	return fmt.Sprintf("generator: status %d: %s", e.Status, e.Body)
}
