package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultScenePath = "/ai/generate-next-scene"

// ServerGenerator calls the story AI server over HTTP.
type ServerGenerator struct {
	BaseURL string
	// FirstScenePath, when set, is tried for scene 1 before the generic path.
	// A 404 there falls back to the generic path.
	FirstScenePath string
	Client         *http.Client
}

func NewServerGenerator(baseURL, firstScenePath string, timeout time.Duration) *ServerGenerator {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ServerGenerator{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		FirstScenePath: firstScenePath,
		Client:         &http.Client{Timeout: timeout},
	}
}

type serverScene struct {
	SceneNumber int           `json:"sceneNumber"`
	Content     string        `json:"content"`
	ImagePrompt string        `json:"imagePrompt"`
	Choices     []SceneOption `json:"choices"`
}

type serverResp struct {
	StoryTitle string      `json:"storyTitle"`
	Scene      serverScene `json:"scene"`
	Error      string      `json:"error,omitempty"`
}

func (g *ServerGenerator) GenerateScene(ctx context.Context, req SceneRequest) (*SceneResult, error) {
	if g.Client == nil {
		return nil, errors.New("generator: http client is nil")
	}
	if req.PreviousChoices == nil {
		req.PreviousChoices = []PreviousChoice{}
	}
	if req.Interests == nil {
		req.Interests = []string{}
	}

	if req.SceneNumber == 1 && g.FirstScenePath != "" {
		res, err := g.post(ctx, g.FirstScenePath, req)
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return g.post(ctx, defaultScenePath, req)
		}
		return res, err
	}
	return g.post(ctx, defaultScenePath, req)
}

func (g *ServerGenerator) post(ctx context.Context, path string, req SceneRequest) (*SceneResult, error) {
	var decoded serverResp
	if err := g.postJSON(ctx, path, req, &decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}

	res := &SceneResult{
		Content:            decoded.Scene.Content,
		IllustrationPrompt: decoded.Scene.ImagePrompt,
		ProposedTitle:      decoded.StoryTitle,
		Options:            decoded.Scene.Choices,
	}
	if err := validateResult(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (g *ServerGenerator) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s", g.BaseURL, strings.TrimLeft(path, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("generator: decode response: %w", err)
	}
	return nil
}
