package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"requestdesk/api/internal/allowlist"
	"requestdesk/api/internal/app"
	"requestdesk/api/internal/audit"
	"requestdesk/api/internal/cache"
	"requestdesk/api/internal/config"
	"requestdesk/api/internal/idtoken"
	"requestdesk/api/internal/notify"
	"requestdesk/api/internal/obs"
	"requestdesk/api/internal/ratelimit"
	"requestdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	obs.Init()

	var dataStore store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		dataStore = store.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	var sharedCache cache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
		sharedCache = redisCache
	} else {
		log.Printf("REDIS_URL not set, using in-memory cache")
		sharedCache = cache.NewMemoryCache()
	}

	auditLog := audit.New(dataStore)
	verifier := idtoken.New(idtoken.Config{
		Mode:     cfg.VerifyMode,
		Endpoint: cfg.TokenInfoURL,
		CacheTTL: cfg.TokenCacheTTL,
		Timeout:  cfg.TokenVerifyTimeout,
	}, sharedCache)
	notifier := notify.New(notify.Config{
		Enabled:     cfg.PushEnabled,
		DryRun:      cfg.PushDryRun,
		Endpoint:    cfg.PushEndpoint,
		AccessToken: cfg.PushAccessToken,
		FormBaseURL: cfg.FormBaseURL,
	}, auditLog)

	service := app.NewService(
		dataStore,
		ratelimit.New(sharedCache),
		auditLog,
		verifier,
		allowlist.New(dataStore),
		notifier,
		app.Config{
			VerifyMode:    cfg.VerifyMode,
			AllowedDomain: cfg.AllowedDomain,
			AllowedEmails: cfg.AllowedEmails,
			Maintenance:   cfg.MaintenanceMode,
			LockTimeout:   cfg.LockTimeout,
		},
	)

	if err := service.EnsureSchema(ctx); err != nil {
		log.Printf("WARNING: schema init failed (will retry per request): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.AllowedOrigins)
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("RequestDesk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
