package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/story-engine/internal/common"
	"github.com/suPer8Hu/story-engine/internal/config"
	"github.com/suPer8Hu/story-engine/internal/httpapi/handlers"
	"github.com/suPer8Hu/story-engine/internal/httpapi/middleware"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

func NewRouter(cfg config.Config, log *zap.Logger, svc *story.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.ZapLogger(log))
	r.Use(middleware.Recovery(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, log)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// JWT required
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/stories/:story_key/sessions", h.StartSession)
	authGroup.POST("/sessions/:session_id/advance", h.AdvanceSession)
	authGroup.POST("/sessions/:session_id/choices", h.RecordChoice)
	authGroup.POST("/sessions/:session_id/choices/analyze", h.AnalyzeChoice)
	authGroup.POST("/sessions/:session_id/complete", h.CompleteSession)
	authGroup.GET("/sessions/:session_id/summary", h.SessionSummary)
	authGroup.GET("/children/:child_id/abilities", h.ChildAbilities)
	return r
}
