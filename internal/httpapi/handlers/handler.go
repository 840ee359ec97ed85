package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/story-engine/internal/common"
	"github.com/suPer8Hu/story-engine/internal/httpapi/middleware"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

type Handler struct {
	Story *story.Service
	Log   *zap.Logger
}

func NewHandler(svc *story.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Story: svc, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failErr maps engine errors onto the HTTP status and business code the app expects.
func (h *Handler) failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, story.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, story.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	case errors.Is(err, story.ErrSessionAlreadyCompleted):
		common.Fail(c, http.StatusConflict, 40901, "session already completed")
	case errors.Is(err, story.ErrTransientConflict):
		c.Header("Retry-After", "1")
		common.Fail(c, http.StatusServiceUnavailable, 50301, "story is being created, retry")
	case errors.Is(err, story.ErrGenerationFailed):
		common.Fail(c, http.StatusBadGateway, 50201, "scene generation failed, retry")
	default:
		h.Log.Error("unhandled error",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err),
		)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
