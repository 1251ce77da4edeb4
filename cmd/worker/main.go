package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"product-importer/internal/config"
	"product-importer/internal/importer"
	"product-importer/internal/queue"
	"product-importer/internal/status"
	"product-importer/internal/store"
	"product-importer/internal/telemetry"
	"product-importer/internal/webhook"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// The pool must at least match chunk concurrency or parallel chunk
	// transactions queue up on connections instead of the database.
	st, err := store.New(ctx, cfg.PostgresDSN, cfg.ChunkConcurrency)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	jobStatus := status.New(redisClient)
	q := queue.NewImportQueueWithClient(redisClient, cfg.VisibilityTimeout)
	notifier := webhook.NewNotifier(st)

	orch := importer.NewOrchestrator(st, jobStatus, notifier, cfg.ChunkConcurrency, cfg.ImportPollInterval)
	runner := importer.NewRunner(cfg, q, jobStatus, orch)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("import worker started with chunk_concurrency=%d time_limit=%s", cfg.ChunkConcurrency, cfg.ImportTimeLimit)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
