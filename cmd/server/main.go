// Command server starts the ClipForge transcoding API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"clipforge/internal/api"
	"clipforge/internal/auth"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/pipeline"
	"clipforge/internal/server"
	"clipforge/internal/storage"
)

const (
	defaultBucket        = "videos"
	defaultScratchBucket = "social-media-temp"
)

func main() {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "record store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "bucket for transcoded artifacts")
	scratchBucket := flag.String("scratch-bucket", "", "bucket for legacy one-shot artifacts")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	workers := flag.Int("workers", 0, "pipeline worker count")
	queueSize := flag.Int("queue-size", 0, "pipeline queue capacity")
	maxTranscodes := flag.Int("max-transcodes", 0, "maximum concurrent ffmpeg processes")
	downloadTimeout := flag.Duration("download-timeout", 0, "budget for downloading one source")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated CORS origins")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPFORGE_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("CLIPFORGE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	objectCfg := objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("CLIPFORGE_OBJECT_ENDPOINT")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("CLIPFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("CLIPFORGE_OBJECT_SECRET_KEY")),
		UseSSL:         resolveBool(*objectUseSSL, "CLIPFORGE_OBJECT_USE_SSL"),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("CLIPFORGE_OBJECT_PUBLIC_ENDPOINT")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("CLIPFORGE_OBJECT_BUCKET"), defaultBucket),
		ScratchBucket:  firstNonEmpty(*scratchBucket, os.Getenv("CLIPFORGE_SCRATCH_BUCKET"), defaultScratchBucket),
	}
	objects, err := objectstore.New(objectCfg, logging.WithComponent(logger, "objectstore"))
	if err != nil {
		logger.Error("failed to initialise object store", "error", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := objects.EnsureBuckets(startupCtx); err != nil {
		startupCancel()
		logger.Error("failed to prepare buckets", "error", err)
		os.Exit(1)
	}
	startupCancel()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CLIPFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	store, err := openStore(resolveStorageDriver(*storageDriver, os.Getenv("CLIPFORGE_STORAGE_DRIVER"), dsn), dsn)
	if err != nil {
		logger.Error("failed to initialise record store", "error", err)
		os.Exit(1)
	}

	verifier := auth.NewVerifier(os.Getenv("CLIPFORGE_JWT_SECRET"), logging.WithComponent(logger, "auth"))

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Store:      store,
		Workspaces: &pipeline.WorkspaceManager{},
		Sources:    objects,
		Fetcher:    &pipeline.Fetcher{},
		Transcoder: pipeline.NewTranscoder(
			firstNonEmpty(*ffmpegBinary, os.Getenv("CLIPFORGE_FFMPEG")),
			int64(resolveInt(*maxTranscodes, "CLIPFORGE_MAX_TRANSCODES")),
		),
		Uploader:        objects,
		Bucket:          objects.Bucket(),
		Workers:         resolveInt(*workers, "CLIPFORGE_WORKERS"),
		QueueSize:       resolveInt(*queueSize, "CLIPFORGE_QUEUE_SIZE"),
		DownloadTimeout: resolveDuration(*downloadTimeout, "CLIPFORGE_DOWNLOAD_TIMEOUT"),
		Logger:          logging.WithComponent(logger, "pipeline"),
	})
	runner.Start()

	handler := api.NewHandler(store, runner.Status(), runner, verifier)
	handler.ScratchBucket = objects.ScratchBucket()
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr:   listenAddr,
		CORS:   server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("CLIPFORGE_ALLOWED_ORIGINS")))},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ClipForge API listening", "addr", listenAddr, "bucket", objects.Bucket())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := runner.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop pipeline", "error", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close record store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func openStore(driver, dsn string) (storage.VideoStore, error) {
	switch driver {
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, dsn, storage.WithApplicationName("clipforge"))
	case "", "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, envValue, dsn string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(dsn) != "" {
		return "postgres"
	}
	return "memory"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}
