package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
	"github.com/chatrelay/chatrelay/internal/httpapi"
)

func main() {
	addr := os.Getenv("CHATRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dsn := strings.TrimSpace(os.Getenv("CHATRELAY_STORE_DSN"))
	if dsn == "" {
		log.Fatalf("CHATRELAY_STORE_DSN is required")
	}
	businessID := strings.TrimSpace(os.Getenv("CHATRELAY_BUSINESS_ID"))
	if businessID == "" {
		log.Fatalf("CHATRELAY_BUSINESS_ID is required")
	}

	store, err := chatrelay.BuildStoreFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := chatrelay.NewRelay(store, businessID)
	hub := chatrelay.NewHub()
	translator := chatrelay.NewTranslator(store, hub)
	go translator.Run(ctx)

	if ingestDir := strings.TrimSpace(os.Getenv("CHATRELAY_INGEST_DIR")); ingestDir != "" {
		watcher, err := chatrelay.NewDirWatcher(ingestDir, relay)
		if err != nil {
			log.Fatalf("failed to initialize ingest watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ingest watcher stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(relay, hub, translator.Healthy, httpapi.ServerConfig{
			MaxBodyBytes: int64Env("CHATRELAY_MAX_BODY_BYTES", 0),
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("CHATRELAY_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("chatrelay listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
