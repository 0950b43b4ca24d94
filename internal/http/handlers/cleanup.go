package handlers

import "net/http"

func (api *API) CleanupStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.cleanup.Status(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  status,
	})
}

// RunCleanup triggers a full sweep and waits for it to finish.
func (api *API) RunCleanup(w http.ResponseWriter, r *http.Request) {
	stats := api.cleanup.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}
