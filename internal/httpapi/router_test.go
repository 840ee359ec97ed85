package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/story-engine/internal/ai"
	"github.com/suPer8Hu/story-engine/internal/config"
	"github.com/suPer8Hu/story-engine/internal/httpapi/middleware"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

type scriptedGenerator struct {
	mu  sync.Mutex
	err error
}

func (g *scriptedGenerator) GenerateScene(ctx context.Context, req ai.SceneRequest) (*ai.SceneResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &ai.SceneResult{
		Content:       fmt.Sprintf("scene %d", req.SceneNumber),
		ProposedTitle: "The Brave Dino",
		Options: []ai.SceneOption{
			{ChoiceID: fmt.Sprintf("c%d1", req.SceneNumber), Text: "share the toy", AbilityType: "kindness", AbilityPoints: 3},
		},
	}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	gen    *scriptedGenerator
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gen := &scriptedGenerator{}
	s := newTestServerWith(t, gen)
	s.gen = gen
	return s
}

func newTestServerWith(t *testing.T, gen ai.SceneGenerator) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, story.AutoMigrate(db))

	log := zap.NewNop()
	resolver := story.NewResolver(db, log, story.WithRetry(2, time.Millisecond))
	svc := story.NewService(db, resolver, gen, log)

	cfg := config.Config{JWTSecret: testSecret, CORSOrigins: []string{"http://localhost:3000"}}
	token, err := middleware.SignToken(7, testSecret, time.Hour)
	require.NoError(t, err)
	return &testServer{t: t, router: NewRouter(cfg, log, svc), token: token}
}

func (s *testServer) do(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	s.token = ""
	w, env := s.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	s.token = ""
	w, env := s.do(http.MethodGet, "/sessions/abc/summary", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40101, env.Code)

	expired, err := middleware.SignToken(7, testSecret, -time.Minute)
	require.NoError(t, err)
	s.token = expired
	w, env = s.do(http.MethodGet, "/sessions/abc/summary", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40102, env.Code)

	forged, err := middleware.SignToken(7, "other-secret", time.Hour)
	require.NoError(t, err)
	s.token = forged
	w, env = s.do(http.MethodGet, "/sessions/abc/summary", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40103, env.Code)
}

func TestSessionFlow(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodPost, "/stories/KEY-9/sessions", gin.H{"child_id": 42, "emotion": "happy", "interests": []string{"dinosaurs"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started struct {
		SessionID string      `json:"session_id"`
		Created   bool        `json:"created"`
		Story     story.Story `json:"story"`
		Scene     story.Scene `json:"scene"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.True(t, started.Created)
	assert.Equal(t, "The Brave Dino", started.Story.Title)
	assert.Equal(t, 1, started.Scene.SceneIndex)
	sid := started.SessionID

	choice := gin.H{"scene_index": 1, "choice_id": "c11", "choice_text": "share the toy", "ability_type": "kindness", "ability_points": 3}
	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/advance", choice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var adv story.AdvanceResult
	require.NoError(t, json.Unmarshal(env.Data, &adv))
	assert.True(t, adv.Applied)
	assert.Equal(t, 2, adv.Scene.SceneIndex)
	assert.False(t, adv.IsEnding)

	// retried tap
	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/advance", choice)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &adv))
	assert.False(t, adv.Applied)

	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/choices", gin.H{"scene_index": 2, "choice_text": "be brave", "ability_type": "courage", "ability_points": 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"applied":true}`, string(env.Data))

	w, _ = s.do(http.MethodPost, "/sessions/"+sid+"/complete", gin.H{"total_time": 640})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/complete", gin.H{"total_time": 640})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, env.Code)

	w, env = s.do(http.MethodGet, "/sessions/"+sid+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum story.Summary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Len(t, sum.Choices, 2)
	assert.Equal(t, 5, sum.Session.AbilityScore)
	assert.Equal(t, 5, sum.Abilities.Total)

	w, env = s.do(http.MethodGet, "/children/42/abilities?period=week", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var o story.ChildOverview
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, 1, o.Stories)
	assert.Equal(t, 640, o.TotalTime)
	assert.Equal(t, "week", o.Period)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(http.MethodPost, "/stories/KEY-9/sessions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40001, env.Code)

	w, env = s.do(http.MethodPost, "/sessions/01J00000000000000000000000/advance", gin.H{"scene_index": 1, "choice_text": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, env.Code)

	w, env = s.do(http.MethodPost, "/sessions/abc/complete", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40001, env.Code)

	w, env = s.do(http.MethodGet, "/children/zero/abilities", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(http.MethodGet, "/children/42/abilities?period=decade", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40001, env.Code)

	s.gen.mu.Lock()
	s.gen.err = errors.New("model overloaded")
	s.gen.mu.Unlock()
	w, env = s.do(http.MethodPost, "/stories/KEY-9/sessions", gin.H{"child_id": 42})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 50201, env.Code)

	w, env = s.do(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestChildAbilitiesExplicitWindow(t *testing.T) {
	s := newTestServer(t)
	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	w, env := s.do(http.MethodGet, "/children/42/abilities?since="+since+"&until="+until, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var o story.ChildOverview
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Zero(t, o.Stories)

	w, _ = s.do(http.MethodGet, "/children/42/abilities?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// aiServer stands in for the story AI server: scenes on the generic path, analysis on
// the custom-choice path.
func aiServer(t *testing.T) (*httptest.Server, *[]ai.ChoiceAnalysisRequest) {
	t.Helper()
	var mu sync.Mutex
	var analyses []ai.ChoiceAnalysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ai/generate-next-scene":
			var req ai.SceneRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(gin.H{
				"storyTitle": "The Brave Dino",
				"scene": gin.H{
					"sceneNumber": req.SceneNumber,
					"content":     fmt.Sprintf("scene %d", req.SceneNumber),
					"choices":     []gin.H{{"choiceId": "c1", "text": "share the toy", "abilityType": "kindness", "abilityPoints": 3}},
				},
			})
		case "/ai/analyze-custom-choice":
			var req ai.ChoiceAnalysisRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			analyses = append(analyses, req)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(gin.H{"abilityType": "용기", "abilityPoints": 14, "feedback": "Brave idea!"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &analyses
}

func TestCustomChoiceFlow(t *testing.T) {
	srv, analyses := aiServer(t)
	s := newTestServerWith(t, ai.Instrument("server", ai.NewServerGenerator(srv.URL, "", time.Second)))

	w, env := s.do(http.MethodPost, "/stories/KEY-C/sessions", gin.H{"child_id": 42})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	sid := started.SessionID

	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/choices/analyze", gin.H{"scene_index": 1, "text": "I jump over the river"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var custom story.CustomChoice
	require.NoError(t, json.Unmarshal(env.Data, &custom))
	assert.Equal(t, "courage", custom.AbilityType)
	assert.Equal(t, ai.MaxAbilityPoints, custom.AbilityPoints)
	assert.Equal(t, "Brave idea!", custom.Feedback)

	require.Len(t, *analyses, 1)
	assert.Equal(t, "KEY-C", (*analyses)[0].StoryID)
	assert.Equal(t, "scene 1", (*analyses)[0].SceneContent)

	// analysis alone records nothing; the tagged choice goes through advance
	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/advance", gin.H{
		"scene_index":    custom.SceneIndex,
		"choice_text":    custom.ChoiceText,
		"ability_type":   custom.AbilityType,
		"ability_points": custom.AbilityPoints,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var adv story.AdvanceResult
	require.NoError(t, json.Unmarshal(env.Data, &adv))
	assert.Equal(t, ai.MaxAbilityPoints, adv.Session.AbilityScore)

	w, env = s.do(http.MethodPost, "/sessions/"+sid+"/choices/analyze", gin.H{"scene_index": 1, "text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40001, env.Code)
	w, _ = s.do(http.MethodPost, "/sessions/"+sid+"/choices/analyze", gin.H{"scene_index": 5, "text": "fly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeChoiceWithoutAnalyzer(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(http.MethodPost, "/stories/KEY-9/sessions", gin.H{"child_id": 42})
	require.Equal(t, http.StatusOK, w.Code)
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))

	w, env = s.do(http.MethodPost, "/sessions/"+started.SessionID+"/choices/analyze", gin.H{"scene_index": 1, "text": "fly"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 50201, env.Code)
}
