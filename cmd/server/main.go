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

	"fleetmon/internal/config"
	"fleetmon/internal/db"
	"fleetmon/internal/events"
	"fleetmon/internal/handlers"
	"fleetmon/internal/middleware"
	"fleetmon/internal/notify"
	"fleetmon/internal/settings"
)

const reconcileInterval = 30 * time.Second

func main() {
	cfg := config.Load()

	conn, err := db.Init(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: failed to open database: %v", err)
	}
	defer conn.Close()

	if err := settings.InitSettingsTable(conn); err != nil {
		log.Fatalf("main: failed to initialize settings: %v", err)
	}

	bus := events.NewBus()
	hub := handlers.NewStreamHub(bus)
	dispatcher := notify.NewDispatcher(conn, notify.Channels{
		TelegramURL: cfg.TelegramURL,
		EmailURL:    cfg.EmailURL,
	}, nil)

	h := handlers.New(conn, cfg, bus, dispatcher, hub)
	auth := middleware.NewAuth(cfg, conn)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, h, auth)

	limiter := middleware.NewRateLimiter(120, time.Minute)
	handler := middleware.CORS(middleware.Logging(limiter.Limit(mux.ServeHTTP)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go h.ReconcileLoop(ctx, reconcileInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("main: listening on :%s (db=%s)", cfg.Port, cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("main: shutting down")
	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: shutdown error: %v", err)
	}
}
