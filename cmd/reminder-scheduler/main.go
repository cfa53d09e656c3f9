package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/taskpulse/project/internal/app/reminder"
	"github.com/taskpulse/project/internal/platform/dbpool"
	"github.com/taskpulse/project/internal/platform/env"
	"github.com/taskpulse/project/internal/platform/metrics"
	"github.com/taskpulse/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	opsAddr := env.String("REMINDER_OPS_ADDR", ":9102")

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := reminder.NewPostgresStore(pool)
	if err := waitForPostgres(runCtx, pool, store.EnsureSchema, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.NewRetryPublisher(client.JS)

	var scheduler *reminder.Scheduler
	timer := reminder.NewTimer(func(jobID string) {
		fireCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()
		if err := scheduler.FireJob(fireCtx, jobID); err != nil {
			log.Printf("fire job %s: %v", jobID, err)
		}
	})
	scheduler = reminder.NewScheduler(store, timer, publisher.Publish)

	// Reload persisted jobs before consuming new events, so reminders set
	// before a restart still fire.
	restored, err := scheduler.Restore(runCtx)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("restored %d scheduled reminder jobs", restored)

	go timer.Run(runCtx)

	settler := natsutil.NewSettler(client.JS, "reminder-scheduler")
	sub, err := client.JS.QueueSubscribe("task.event.>", "reminder-scheduler", func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()
		err := scheduler.Handle(handleCtx, msg.Data)
		settler.Settle(msg, err, reminder.IsDiscard(err))
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	go serveOps(opsAddr, pool, client.Conn)

	log.Println("Reminder Scheduler listening on subject:", sub.Subject)
	<-runCtx.Done()
	_ = sub.Drain()
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, ensure func(context.Context) error, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = ensure(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func serveOps(addr string, pool *pgxpool.Pool, conn *nats.Conn) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if conn == nil || conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("ops server failed: %v", err)
	}
}
