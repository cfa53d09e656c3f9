package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskpulse/project/internal/app/identity"
	appsync "github.com/taskpulse/project/internal/app/sync"
	"github.com/taskpulse/project/internal/platform/env"
	"github.com/taskpulse/project/internal/platform/metrics"
	"github.com/taskpulse/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gatewayAddr := env.String("SYNC_GATEWAY_ADDR", env.DefaultSyncGatewayAddr)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	registry := appsync.NewRegistry()
	hub := appsync.NewHub(registry)

	// Every gateway instance fans out to its own connections, so no queue group.
	sub, err := client.JS.Subscribe("task.event.>", func(msg *nats.Msg) {
		if err := hub.HandleEvent(msg.Data); err != nil && !appsync.IsDiscard(err) {
			log.Printf("sync fan-out failed: %v", err)
		}
	}, nats.DeliverNew())
	if err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Conn == nil || client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/ws", appsync.NewHandler(registry, tokenManager))

	server := &http.Server{
		Addr:              gatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Keep read/write timeouts unset for long-lived websocket connections.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Sync Gateway listening on %s\n", gatewayAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	_ = sub.Unsubscribe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("sync-gateway graceful shutdown failed: %v", err)
	}
}
