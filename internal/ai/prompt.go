package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FinalScene is the index of the closing scene of every story.
const FinalScene = 8

const scenePromptSystem = `You write one scene of an interactive picture-book story for a young child.
Reply with a single JSON object and nothing else:
{"title": string, "content": string, "illustrationPrompt": string,
 "options": [{"choiceId": string, "text": string, "abilityType": string, "abilityPoints": integer}]}
abilityType is one of courage, kindness, empathy, friendship, self_esteem.
abilityPoints is between 1 and 10. Offer 2 or 3 options, except on the final scene which has none.
Keep the story consistent with every earlier choice.`

// PromptGenerator turns a chat Provider into a SceneGenerator.
type PromptGenerator struct {
	Provider Provider
}

func NewPromptGenerator(p Provider) *PromptGenerator {
	return &PromptGenerator{Provider: p}
}

type promptReply struct {
	Title              string        `json:"title"`
	Content            string        `json:"content"`
	IllustrationPrompt string        `json:"illustrationPrompt"`
	Options            []SceneOption `json:"options"`
}

func (g *PromptGenerator) GenerateScene(ctx context.Context, req SceneRequest) (*SceneResult, error) {
	reply, err := g.Provider.Chat(ctx, BuildSceneMessages(req))
	if err != nil {
		return nil, err
	}

	var decoded promptReply
	if err := json.Unmarshal([]byte(extractJSON(reply)), &decoded); err != nil {
		return nil, fmt.Errorf("generator: malformed scene json: %w", err)
	}
	res := &SceneResult{
		Content:            strings.TrimSpace(decoded.Content),
		IllustrationPrompt: decoded.IllustrationPrompt,
		ProposedTitle:      strings.TrimSpace(decoded.Title),
		Options:            decoded.Options,
	}
	if err := validateResult(res); err != nil {
		return nil, err
	}
	return res, nil
}

// BuildSceneMessages renders a request, including the whole choice history, as chat messages.
func BuildSceneMessages(req SceneRequest) []Message {
	var b strings.Builder
	if req.StoryTitle != "" {
		fmt.Fprintf(&b, "Story: %s\n", req.StoryTitle)
	}
	if req.StoryDescription != "" {
		fmt.Fprintf(&b, "Premise: %s\n", req.StoryDescription)
	}
	fmt.Fprintf(&b, "Story key: %s\n", req.StoryID)
	if req.ChildName != "" {
		fmt.Fprintf(&b, "Hero: %s\n", req.ChildName)
	}
	if req.Emotion != "" {
		fmt.Fprintf(&b, "The child feels: %s\n", req.Emotion)
	}
	if len(req.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(req.Interests, ", "))
	}
	fmt.Fprintf(&b, "Write scene %d of %d.", req.SceneNumber, FinalScene)
	if req.SceneNumber == FinalScene {
		b.WriteString(" This is the ending.")
	}
	b.WriteString("\n")

	if len(req.PreviousChoices) == 0 {
		b.WriteString("No choices have been made yet.\n")
	} else {
		b.WriteString("Choices so far:\n")
		for _, c := range req.PreviousChoices {
			fmt.Fprintf(&b, "- scene %d: %q (%s +%d)\n", c.SceneNumber, c.ChoiceText, c.AbilityType, c.AbilityScore)
		}
	}

	return []Message{
		{Role: "system", Content: scenePromptSystem},
		{Role: "user", Content: b.String()},
	}
}

// extractJSON strips markdown fences and any prose around the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
