package handlers

import "net/http"

const apiVersion = "1.0.0"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "healthy",
		"message": "YouTube to MP3 Converter API is running",
	})
}

func (api *API) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "YouTube to MP3 Converter API",
		"version": apiVersion,
		"endpoints": map[string]string{
			"health":           "GET /api/health",
			"create_download":  "POST /api/download",
			"get_status":       "GET /api/download/{id}",
			"download_file":    "GET /api/download/{id}/file",
			"delete_download":  "DELETE /api/download/{id}",
			"history":          "GET /api/history",
			"history_stats":    "GET /api/history/stats",
			"recent_downloads": "GET /api/history/recent",
			"clear_history":    "DELETE /api/history/clear",
			"export_history":   "GET /api/history/export",
			"cleanup_status":   "GET /api/cleanup/status",
			"run_cleanup":      "POST /api/cleanup/run",
			"live_updates":     "GET /api/ws",
		},
	})
}

func (api *API) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "Endpoint not found")
}

func (api *API) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}
