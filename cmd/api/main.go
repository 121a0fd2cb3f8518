package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"assetvault/internal/adapter/repo"
	"assetvault/internal/http/handlers"
	"assetvault/internal/http/httpapi"
	"assetvault/internal/infra"
	"assetvault/internal/ingest"
	"assetvault/internal/jobs"
	"assetvault/internal/storage"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	tempDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", tempDir).Msg("failed to create temp dir")
	}

	manager, err := storage.NewManager(storage.ManagerConfig{
		BaseDir:   cfg.DataDir,
		S3Enabled: cfg.S3Enabled,
		S3: storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
		},
		Routing: storage.RoutingConfig{
			DefaultProvider: cfg.StorageDefaultProvider,
			S3MinSizeBytes:  cfg.StorageS3MinSizeBytes,
			KindMap:         cfg.StorageKindMap,
		},
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage")
	}
	if cfg.S3Enabled {
		if err := manager.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("object store bucket check failed")
		}
	}

	assetRepo := repo.NewAssetRepository(dbpool)
	jobRepo := repo.NewJobRepository(dbpool)

	dispatcher := jobs.NewDispatcher(&jobs.Context{
		Jobs:              jobRepo,
		Assets:            assetRepo,
		Storage:           manager,
		Logger:            logger,
		DefaultThrottleMs: cfg.ImportThrottleMs,
	})

	app := handlers.NewApp(assetRepo, jobRepo, manager, dispatcher, logger, tempDir)
	if cfg.ExifToolPath != "" {
		app.Exif = &ingest.Extractor{
			Path:   cfg.ExifToolPath,
			Assets: assetRepo,
			Logger: logger,
		}
		logger.Info().Str("path", cfg.ExifToolPath).Msg("exiftool metadata extraction enabled")
	}
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
