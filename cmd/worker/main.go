package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Boinkkk/PASTI-sub000/internal/config"
	"github.com/Boinkkk/PASTI-sub000/internal/metrics"
	"github.com/Boinkkk/PASTI-sub000/internal/notify"
	"github.com/Boinkkk/PASTI-sub000/internal/queue"
	"github.com/Boinkkk/PASTI-sub000/internal/session"
	"github.com/Boinkkk/PASTI-sub000/internal/share"
	"github.com/Boinkkk/PASTI-sub000/internal/store"
)

// Worker consumes share messages, renders the session's share payload, and
// hands it to the notification webhook.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var repo session.Repository
	if cfg.StoreBackend == "memory" {
		log.Println("WARNING: in-memory store shares no state with the API; shares will not resolve")
		repo = session.NewMemoryRepository()
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		repo = session.NewPostgresRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:shares")
	}

	notifier := notify.New(cfg.NotifyWebhookURL, cfg.NotifySkip)
	if !cfg.NotifySkip {
		if err := notifier.Health(ctx); err != nil {
			log.Printf("WARNING: notification webhook not available: %v", err)
			log.Println("Worker will retry dispatch when messages arrive")
		} else {
			log.Println("Notification webhook connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "share" {
			continue
		}

		id := string(msg.Body)
		log.Printf("dispatching share for session %s", id)

		sess, err := repo.GetSession(ctx, id)
		if err != nil {
			log.Printf("fetch session %s failed: %v", id, err)
			metrics.ShareDispatches.WithLabelValues("session_missing").Inc()
			continue
		}

		payload, err := share.BuildPayload(cfg.PublicBaseURL, sess)
		if err != nil {
			log.Printf("build payload for %s failed: %v", id, err)
			metrics.ShareDispatches.WithLabelValues("payload_error").Inc()
			continue
		}

		if err := notifier.Dispatch(ctx, sess.ID, payload); err != nil {
			log.Printf("dispatch for %s failed: %v", id, err)
			metrics.ShareDispatches.WithLabelValues("failed").Inc()
			continue
		}

		metrics.ShareDispatches.WithLabelValues("sent").Inc()
		log.Printf("session %s share dispatched", id)

		time.Sleep(10 * time.Millisecond) // Small delay between dispatches
	}

	log.Println("worker stopped")
}
