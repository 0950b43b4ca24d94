package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iago/audiodrop-back/internal/http/handlers"
	"github.com/iago/audiodrop-back/internal/http/middleware"
	"github.com/iago/audiodrop-back/internal/ratelimit"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// Admission limits job creation per client IP.
	Admission *ratelimit.SlidingWindow
}

// NewRouter wires routes and middleware. ctx bounds the lifetime of the
// middleware's background sweeps.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(deps.API.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(deps.API.MethodNotAllowed)

	r.HandleFunc("/", deps.API.Index).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", deps.API.Health).Methods(http.MethodGet)

	admission := middleware.Admission(deps.Admission, deps.Logger)
	api.Handle("/download", admission(http.HandlerFunc(deps.API.CreateDownload))).Methods(http.MethodPost)
	api.HandleFunc("/download/{id:[0-9]+}", deps.API.DownloadStatus).Methods(http.MethodGet)
	api.HandleFunc("/download/{id:[0-9]+}/file", deps.API.DownloadFile).Methods(http.MethodGet)
	api.HandleFunc("/download/{id:[0-9]+}", deps.API.DeleteDownload).Methods(http.MethodDelete)

	api.HandleFunc("/history", deps.API.History).Methods(http.MethodGet)
	api.HandleFunc("/history/stats", deps.API.HistoryStats).Methods(http.MethodGet)
	api.HandleFunc("/history/recent", deps.API.RecentDownloads).Methods(http.MethodGet)
	api.HandleFunc("/history/export", deps.API.ExportHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/clear", deps.API.ClearHistory).Methods(http.MethodDelete)

	api.HandleFunc("/cleanup/status", deps.API.CleanupStatus).Methods(http.MethodGet)
	api.HandleFunc("/cleanup/run", deps.API.RunCleanup).Methods(http.MethodPost)

	api.HandleFunc("/ws", deps.API.LiveUpdates).Methods(http.MethodGet)

	handler := http.Handler(r)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
