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
	"github.com/taskpulse/project/internal/app/recurrence"
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
	opsAddr := env.String("RECURRENCE_OPS_ADDR", ":9101")

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := recurrence.NewPostgresStore(pool)
	if err := waitForPostgres(runCtx, pool, store.EnsureSchema, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.NewRetryPublisher(client.JS)
	generator := recurrence.NewGenerator(store, publisher.Publish)
	settler := natsutil.NewSettler(client.JS, "recurrence-engine")

	sub, err := client.JS.QueueSubscribe("task.event.>", "recurrence-engine", func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()
		err := generator.Handle(handleCtx, msg.Data)
		settler.Settle(msg, err, recurrence.IsDiscard(err))
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	go serveOps(opsAddr, pool, client.Conn)

	log.Println("Recurrence Engine listening on subject:", sub.Subject)
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
