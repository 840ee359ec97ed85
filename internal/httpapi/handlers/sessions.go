package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/story-engine/internal/common"
	"github.com/suPer8Hu/story-engine/internal/story"
)

type startSessionReq struct {
	ChildID        uint64   `json:"child_id" binding:"required"`
	ChildName      string   `json:"child_name"`
	Emotion        string   `json:"emotion"`
	Interests      []string `json:"interests"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request body")
		return
	}
	idem := req.IdempotencyKey
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		idem = v
	}

	res, err := h.Story.Start(c.Request.Context(), story.StartInput{
		ChildID:        req.ChildID,
		StoryKey:       c.Param("story_key"),
		ChildName:      req.ChildName,
		Emotion:        req.Emotion,
		Interests:      req.Interests,
		IdempotencyKey: idem,
	})
	if err != nil {
		h.failErr(c, err)
		return
	}

	common.OK(c, gin.H{
		"session_id": res.Session.SessionID,
		"created":    res.Created,
		"session":    res.Session,
		"story":      res.Story,
		"scene":      res.Scene,
	})
}

type choiceReq struct {
	SceneIndex    int    `json:"scene_index"`
	ChoiceID      string `json:"choice_id"`
	ChoiceText    string `json:"choice_text"`
	AbilityType   string `json:"ability_type"`
	AbilityPoints *int   `json:"ability_points"`
}

func (r choiceReq) input() story.ChoiceInput {
	return story.ChoiceInput{
		SceneIndex:    r.SceneIndex,
		ChoiceID:      r.ChoiceID,
		ChoiceText:    r.ChoiceText,
		AbilityType:   r.AbilityType,
		AbilityPoints: r.AbilityPoints,
	}
}

func (h *Handler) AdvanceSession(c *gin.Context) {
	var req choiceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request body")
		return
	}

	res, err := h.Story.Advance(c.Request.Context(), c.Param("session_id"), req.input())
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, res)
}

// RecordChoice appends to the ledger without producing the next scene.
func (h *Handler) RecordChoice(c *gin.Context) {
	var req choiceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request body")
		return
	}

	applied, err := h.Story.RecordChoice(c.Request.Context(), c.Param("session_id"), req.input())
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"applied": applied})
}

type analyzeChoiceReq struct {
	SceneIndex int    `json:"scene_index"`
	Text       string `json:"text"`
}

// AnalyzeChoice scores a typed-in choice; the client submits the result through advance.
func (h *Handler) AnalyzeChoice(c *gin.Context) {
	var req analyzeChoiceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request body")
		return
	}

	res, err := h.Story.AnalyzeChoice(c.Request.Context(), c.Param("session_id"), req.SceneIndex, req.Text)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, res)
}

type completeReq struct {
	TotalTime *int `json:"total_time" binding:"required"`
}

func (h *Handler) CompleteSession(c *gin.Context) {
	var req completeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request body")
		return
	}

	sess, err := h.Story.Complete(c.Request.Context(), c.Param("session_id"), *req.TotalTime)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) SessionSummary(c *gin.Context) {
	sum, err := h.Story.Summary(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, sum)
}
