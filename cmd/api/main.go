package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flux-gateway/cmd"
	"flux-gateway/internal/api"
	"flux-gateway/internal/config"
	"flux-gateway/internal/database"
	"flux-gateway/internal/replicate"
	"flux-gateway/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func createStorage(ctx context.Context, cfg config.ServerConfig) storage.Provider {
	var (
		provider storage.Provider
		err      error
	)

	switch cfg.StorageBackend {
	case config.StorageS3:
		provider, err = storage.NewS3Provider(ctx, storage.S3ProviderConfig{
			S3EndpointURL:     cfg.S3EndpointURL,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Region:          cfg.S3Region,
		})
	default:
		provider, err = storage.NewLocalProvider(cfg.StorageDir)
	}
	if err != nil {
		log.Fatalf("Failed to create storage provider: %v", err)
	}

	if err := provider.CreateBucket(ctx, cfg.ArchiveBucket); err != nil {
		log.Fatalf("Failed to create archive bucket '%s': %v", cfg.ArchiveBucket, err)
	}

	return provider
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("error loading policy: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := createStorage(context.Background(), cfg)

	client := replicate.NewClient(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, cfg.ReplicateTimeout)

	slog.Info("gateway configured", "storage_backend", cfg.StorageBackend, "archive_bucket", cfg.ArchiveBucket, "upload_dir", cfg.UploadDir, "trainer", policy.Trainer.Ref(), "session_ttl", cfg.SessionTTL)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	apiHandler := api.NewBackendService(db, store, client, api.ServiceConfig{
		UploadDir:      cfg.UploadDir,
		ArchiveBucket:  cfg.ArchiveBucket,
		MaxUploadBytes: cfg.MaxUploadBytes,

		MaxExtractedBytes: cfg.MaxExtractedBytes,
		MaxArchiveEntries: cfg.MaxArchiveEntries,

		SessionTTL:  cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
		Policy:      policy,
	})

	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
