package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"retailops/backend/internal/config"
	"retailops/backend/internal/domain"
	"retailops/backend/internal/events"
	"retailops/backend/internal/httpapi"
	"retailops/backend/internal/service"
	"retailops/backend/internal/store"
	"retailops/backend/internal/store/memory"
	pgstore "retailops/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg := config.Load()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, time.Duration(cfg.LockTimeoutMillis)*time.Millisecond)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.StoreID)
		log.Println("repository: in-memory (seeded)")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.RedisAddr != "" {
		redisPub, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventChannel)
		if err != nil {
			log.Printf("redis unavailable (%v), events disabled", err)
		} else {
			publisher = redisPub
			closers = append(closers, redisPub.Close)
			log.Printf("events: redis channel %s", cfg.EventChannel)
		}
	} else {
		log.Println("events: disabled")
	}

	// When the broker path fails, events land in the audit sink instead of
	// vanishing; consumers can replay from there once redis is back.
	fallback := func(ctx context.Context, event events.Event) error {
		return repo.CreateAuditLog(ctx, domain.AuditLog{
			ID:            event.ID,
			StoreID:       event.StoreID,
			ActorUsername: "system",
			ActorRole:     "system",
			Action:        "event." + event.Type,
			EntityType:    "event",
			EntityID:      event.ID,
			Detail:        string(event.Payload),
			CreatedAt:     event.OccurredAt,
		})
	}

	svc := service.New(repo, events.NewDispatcher(publisher, fallback), cfg.StoreID, cfg.InvoicePrefix, cfg.WalkInCustomerID)
	if err := svc.EnsureDefaults(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("ledger backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	log.Println("server stopped")
}

func validateConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.InvoicePrefix == "" {
		return fmt.Errorf("INVOICE_PREFIX must not be empty")
	}
	if cfg.StoreID == "" {
		return fmt.Errorf("DEFAULT_STORE_ID must not be empty")
	}
	return nil
}
