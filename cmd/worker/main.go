package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/story-engine/internal/config"
	"github.com/suPer8Hu/story-engine/internal/db"
	"github.com/suPer8Hu/story-engine/internal/logger"
	"github.com/suPer8Hu/story-engine/internal/store/rabbitmq"
	"github.com/suPer8Hu/story-engine/internal/store/redisstore"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

// The worker consumes session.completed events and rebuilds the child's cached
// ability overviews so the parent dashboard reads warm data.
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

	rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	cache := redisstore.New(rdb, cfg.StoryCacheTTL, lg)

	// no generator: the worker only reads ledgers
	svc := story.NewService(gdb, story.NewResolver(gdb, lg), nil, lg,
		story.WithOverviewCache(cache, cfg.AbilityCacheTTL),
	)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, lg)
	if err != nil {
		lg.Fatal("rabbitmq", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = consumer.Consume(ctx, func(ctx context.Context, ev story.SessionCompleted) error {
		start := time.Now()
		if err := svc.RefreshOverviews(ctx, ev.ChildID); err != nil {
			return err
		}
		if cost := time.Since(start); cost > 2*time.Second {
			lg.Warn("slow overview refresh", zap.Uint64("child_id", ev.ChildID), zap.Duration("cost", cost))
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		lg.Error("consumer stopped", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("worker stopped")
}
