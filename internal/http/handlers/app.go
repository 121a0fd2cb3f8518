package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"assetvault/internal/domain"
	"assetvault/internal/ingest"
	"assetvault/internal/jobs"
	"assetvault/internal/storage"
)

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Assets     domain.AssetRepository
	Jobs       domain.JobRepository
	Storage    *storage.Manager
	Dispatcher *jobs.Dispatcher
	Logger     zerolog.Logger

	// Exif, when enabled, extracts embedded metadata from uploaded bytes on
	// a background goroutine. Optional.
	Exif *ingest.Extractor

	// TempDir receives in-flight upload spool files before they are
	// finalized into storage.
	TempDir string
}

// NewApp wires an App container.
func NewApp(assets domain.AssetRepository, jobRepo domain.JobRepository, mgr *storage.Manager, dispatcher *jobs.Dispatcher, logger zerolog.Logger, tempDir string) *App {
	return &App{
		Assets:     assets,
		Jobs:       jobRepo,
		Storage:    mgr,
		Dispatcher: dispatcher,
		Logger:     logger,
		TempDir:    tempDir,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
