package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/iago/audiodrop-back/internal/service"
)

type createDownloadRequest struct {
	URL     string `json:"url"`
	Quality any    `json:"quality"`
}

// qualityString keeps numeric qualities (192) on the same validation path as
// string ones ("192").
func (req createDownloadRequest) qualityString() string {
	switch value := req.Quality.(type) {
	case nil:
		return ""
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

func (api *API) CreateDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := decodeJSON(r, api.createSchema, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request payload")
		return
	}

	job, err := api.downloads.Create(r.Context(), service.CreateInput{
		URL:     req.URL,
		Quality: req.qualityString(),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"download_id": job.ID,
		"status":      job.Status,
		"message":     "Download queued successfully",
	})
}

func (api *API) DownloadStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "Download not found")
		return
	}

	view, err := api.downloads.Status(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"download_id":         view.ID,
		"title":               view.Title,
		"quality":             view.Quality,
		"status":              view.Status,
		"progress_percentage": view.ProgressPercentage,
		"error_message":       optionalString(view.ErrorMessage),
		"file_size":           optionalSize(view.ArtifactSize),
		"created_at":          view.CreatedAt,
		"completed_at":        view.CompletedAt,
	})
}

func (api *API) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "Download not found")
		return
	}

	artifact, err := api.downloads.Artifact(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, r, http.StatusNotFound, "File not found")
			return
		}
		api.writeServiceError(w, r, fmt.Errorf("open artifact: %w", err))
		return
	}
	defer file.Close()

	modTime := time.Time{}
	if info, statErr := file.Stat(); statErr == nil {
		modTime = info.ModTime()
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", contentDisposition(artifact.DownloadName))
	http.ServeContent(w, r, artifact.DownloadName, modTime, file)
}

func (api *API) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "Download not found")
		return
	}

	if err := api.downloads.Delete(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Download deleted successfully",
	})
}

func contentDisposition(filename string) string {
	value := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if value == "" {
		return `attachment; filename="download.mp3"`
	}
	return value
}
