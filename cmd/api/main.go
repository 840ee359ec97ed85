package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/story-engine/internal/ai"
	"github.com/suPer8Hu/story-engine/internal/config"
	"github.com/suPer8Hu/story-engine/internal/db"
	"github.com/suPer8Hu/story-engine/internal/httpapi"
	"github.com/suPer8Hu/story-engine/internal/logger"
	"github.com/suPer8Hu/story-engine/internal/store/rabbitmq"
	"github.com/suPer8Hu/story-engine/internal/store/redisstore"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, lg)
	if err != nil {
		lg.Fatal("database", zap.Error(err))
	}
	if err := story.AutoMigrate(gdb); err != nil {
		lg.Fatal("migrate", zap.Error(err))
	}

	rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	cache := redisstore.New(rdb, cfg.StoryCacheTTL, lg)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := cache.Ping(pingCtx); err != nil {
		// the engine works without the cache; lookups fall through to the database
		lg.Warn("redis unavailable", zap.Error(err))
	}
	cancel()

	gen, err := newRegistry(cfg).Get(context.Background(), cfg.GeneratorBackend)
	if err != nil {
		lg.Fatal("scene generator", zap.Error(err))
	}

	opts := []story.Option{
		story.WithGeneratorTimeout(cfg.GeneratorTimeout),
		story.WithOverviewCache(cache, cfg.AbilityCacheTTL),
	}
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		lg.Warn("rabbitmq unavailable, session events disabled", zap.Error(err))
	} else {
		defer pub.Close()
		opts = append(opts, story.WithEvents(pub))
	}

	resolver := story.NewResolver(gdb, lg,
		story.WithStoryCache(cache),
		story.WithRetry(cfg.ResolverAttempts, cfg.ResolverBackoff),
	)
	svc := story.NewService(gdb, resolver, gen, lg, opts...)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpapi.NewRouter(cfg, lg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("http server listening", zap.String("addr", srv.Addr), zap.String("generator", cfg.GeneratorBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("shutting down")

	// a scene generation may be in flight; give it the generator timeout to finish
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.GeneratorTimeout+5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("forced shutdown", zap.Error(err))
	}
}

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("server", func(ctx context.Context) (ai.SceneGenerator, error) {
		return ai.NewServerGenerator(cfg.GeneratorBaseURL, cfg.GeneratorFirstScenePath, cfg.GeneratorTimeout), nil
	})
	reg.Register("ollama", func(ctx context.Context) (ai.SceneGenerator, error) {
		return ai.NewPromptGenerator(ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.GeneratorTimeout)), nil
	})
	reg.Register("openrouter", func(ctx context.Context) (ai.SceneGenerator, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is required for the openrouter backend")
		}
		return ai.NewPromptGenerator(ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL,
			cfg.OpenRouterAPIKey,
			cfg.OpenRouterModel,
			cfg.OpenRouterSiteURL,
			cfg.OpenRouterAppName,
			cfg.GeneratorTimeout,
		)), nil
	})
	return reg
}
