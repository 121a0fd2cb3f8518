package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"assetvault/internal/http/handlers"
	"assetvault/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/assets", func(r chi.Router) {
		r.Get("/", app.ListAssets)
		r.Post("/upload", app.UploadAsset)
		r.Get("/{assetID}", app.GetAsset)
		r.Get("/{assetID}/download", app.DownloadAsset)
		r.Delete("/{assetID}", app.DeleteAsset)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Get("/", app.ListJobs)
		r.Get("/{jobID}", app.GetJob)
		r.Get("/{jobID}/log", app.GetJobLog)
		r.Post("/{jobID}/cancel", app.CancelJob)
	})

	return r
}
