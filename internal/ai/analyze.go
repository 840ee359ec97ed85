package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const defaultAnalyzePath = "/ai/analyze-custom-choice"

// MaxAbilityPoints caps the points a single choice can earn.
const MaxAbilityPoints = 10

// ChoiceAnalysisRequest carries a choice the child typed in instead of picking an option.
type ChoiceAnalysisRequest struct {
	StoryID      string `json:"storyId"`
	ChildID      uint64 `json:"childId"`
	SceneNumber  int    `json:"sceneNumber"`
	SceneContent string `json:"sceneContent,omitempty"`
	Text         string `json:"text"`
}

type ChoiceAnalysis struct {
	AbilityType   string `json:"abilityType"`
	AbilityPoints int    `json:"abilityPoints"`
	Feedback      string `json:"feedback,omitempty"`
}

// ChoiceAnalyzer tags free text with the ability it shows and how strongly.
type ChoiceAnalyzer interface {
	AnalyzeChoice(ctx context.Context, req ChoiceAnalysisRequest) (*ChoiceAnalysis, error)
}

var ErrNoAbility = errors.New("analyzer returned no ability type")

func validateAnalysis(a *ChoiceAnalysis) error {
	if a == nil || strings.TrimSpace(a.AbilityType) == "" {
		return ErrNoAbility
	}
	a.AbilityType = strings.TrimSpace(a.AbilityType)
	if a.AbilityPoints < 0 {
		a.AbilityPoints = 0
	}
	if a.AbilityPoints > MaxAbilityPoints {
		a.AbilityPoints = MaxAbilityPoints
	}
	return nil
}

func (g *ServerGenerator) AnalyzeChoice(ctx context.Context, req ChoiceAnalysisRequest) (*ChoiceAnalysis, error) {
	if g.Client == nil {
		return nil, errors.New("generator: http client is nil")
	}
	var out ChoiceAnalysis
	if err := g.postJSON(ctx, defaultAnalyzePath, req, &out); err != nil {
		return nil, err
	}
	if err := validateAnalysis(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

const analyzePromptSystem = `A young child typed their own choice in an interactive story.
Decide which ability the choice shows most and how strongly.
Reply with a single JSON object and nothing else:
{"abilityType": string, "abilityPoints": integer, "feedback": string}
abilityType is one of courage, kindness, empathy, friendship, self_esteem, creativity, responsibility.
abilityPoints is between 1 and 10. feedback is one short encouraging sentence for the child.`

func (g *PromptGenerator) AnalyzeChoice(ctx context.Context, req ChoiceAnalysisRequest) (*ChoiceAnalysis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Story key: %s\nScene %d of %d.\n", req.StoryID, req.SceneNumber, FinalScene)
	if req.SceneContent != "" {
		fmt.Fprintf(&b, "Scene so far: %s\n", req.SceneContent)
	}
	fmt.Fprintf(&b, "The child's choice: %q\n", req.Text)

	reply, err := g.Provider.Chat(ctx, []Message{
		{Role: "system", Content: analyzePromptSystem},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return nil, err
	}
	var out ChoiceAnalysis
	if err := json.Unmarshal([]byte(extractJSON(reply)), &out); err != nil {
		return nil, fmt.Errorf("analyzer: malformed json: %w", err)
	}
	if err := validateAnalysis(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
