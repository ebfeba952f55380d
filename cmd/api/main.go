package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"thesisdesk/internal/app"
	"thesisdesk/internal/config"
	"thesisdesk/internal/email"
	"thesisdesk/internal/gitrepo"
	"thesisdesk/internal/realtime"
	"thesisdesk/internal/search"
	"thesisdesk/internal/storage"
	"thesisdesk/internal/store"
	"thesisdesk/internal/unread"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	deps := app.Deps{
		Revisions:      gitrepo.New(cfg.ReposDir),
		JWTSecret:      []byte(cfg.SupabaseJWTSecret),
		AppName:        cfg.SMTPFromName,
		PublicURL:      cfg.PublicURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	var db *sql.DB
	switch cfg.RowsBackend {
	case config.BackendPostgres:
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, store.MigrationSource(cfg.MigrationsDir))
		if err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		if len(applied) > 0 {
			log.Printf("Applied migrations: %s", strings.Join(applied, ", "))
		}
		deps.Rows = store.NewPostgresStore(db)
		deps.Ping = db.PingContext
	case config.BackendSupabase:
		log.Printf("Using Supabase PostgREST for row access")
		deps.Rows = store.NewSupabaseRows(cfg.SupabaseURL, cfg.SupabaseKey)
	default:
		log.Printf("WARNING: using in-memory rows, data is lost on restart")
		deps.Rows = store.NewMemoryRows()
	}

	// Supabase publishes row changes itself; the Redis transport needs them
	// fanned out from here.
	if cfg.RealtimeBackend == config.BackendRedis && strings.TrimSpace(cfg.RedisURL) != "" {
		hub, err := realtime.NewRedisHubFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer hub.Client().Close()
		deps.Rows = store.NewNotifying(deps.Rows, hub.WithPresenceTTL(cfg.PresenceTTL))
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := unread.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: unread cache disabled: %v", err)
		} else {
			defer cache.Close()
			deps.Unread = cache
		}
	}

	var meili search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		client := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer client.Close()
		meili = client
	}
	var pgfts search.Searcher
	if db != nil {
		pgfts = search.NewPgFTS(db)
	}
	deps.Search = search.NewService(meili, pgfts)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured, comment notifications are disabled")
	}
	deps.Mailer = mailer

	switch cfg.StorageBackend {
	case config.BackendSupabase:
		deps.Bucket = storage.NewSupabaseBucket(cfg.SupabaseURL, cfg.SupabaseKey, storage.DefaultBucket)
	default:
		bucket, err := storage.NewMinioBucket(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Printf("WARNING: attachment storage disabled: %v", err)
			break
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = bucket.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			log.Printf("WARNING: attachment storage disabled: %v", err)
			break
		}
		deps.Bucket = bucket
	}

	service := app.NewService(deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("ThesisDesk API listening on %s", cfg.Addr)
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
