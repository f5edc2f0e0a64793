package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"replateo/auth"
	"replateo/config"
	"replateo/db"
	"replateo/listing"
	"replateo/safegate"
	"replateo/watch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	gate := safegate.NewClient(cfg.GateURL, cfg.GateTimeout)
	broker := watch.NewBroker()

	listingService := listing.NewService(listing.NewRepository(pool), gate, broker).
		WithGateAudit(safegate.NewAuditLog(pool))

	go sweepLoop(ctx, listingService, cfg.SweepInterval)

	server := NewServer(authService, listingService, broker)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("api listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

// sweepLoop periodically flips listings past their safety window to expired
// so stored rows and live subscribers converge even when nobody reads.
func sweepLoop(ctx context.Context, svc *listing.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Sweep(ctx)
			if err != nil {
				log.Printf("expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep: %d listing(s) expired", n)
			}
		}
	}
}
