package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/keystore"
	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/server"
)

// staleKeyAge is how long an unused keypair may linger before the sweeper
// destroys it. Keypairs are destroyed eagerly on session close; the sweeper
// only catches sessions that died without cleanup.
const staleKeyAge = 24 * time.Hour

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	log.Printf("Config: Port=%d, Debug=%v, ProviderAPIURL=%s",
		config.Cfg.Port, config.Cfg.Debug, config.Cfg.ProviderAPIURL)

	keys, err := keystore.NewStore(config.Cfg.UserPublicKey)
	if err != nil {
		log.Fatalf("Key store init: %v", err)
	}
	defer keys.DestroyAll()

	fallback, err := config.LoadFallbackPorts(config.Cfg.FallbackPortsFile)
	if err != nil {
		log.Fatalf("Fallback ports: %v", err)
	}

	// Periodic sweep of keypairs orphaned by crashed sessions.
	sweeper := cron.New()
	sweeper.AddFunc("@every 10m", func() {
		if n := keys.SweepOlderThan(staleKeyAge); n > 0 {
			log.Printf("Key sweep: destroyed %d stale keypairs", n)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	hub := server.NewHub(keys, fallback, config.Cfg.Debug)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: hub.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on :%d", config.Cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
