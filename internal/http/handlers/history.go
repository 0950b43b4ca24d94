package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func parseStatusFilter(r *http.Request) (domain.JobStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return "", nil
	}
	status, ok := domain.ParseJobStatus(raw)
	if !ok {
		return "", domain.NewValidationError("Invalid status. Allowed: pending, processing, completed, failed")
	}
	return status, nil
}

func (api *API) History(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusFilter(r)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	page, err := api.downloads.History(r.Context(), domain.HistoryFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    newJobResponses(page.Items),
		"total":   page.Total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (api *API) HistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.downloads.Stats(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

func (api *API) RecentDownloads(w http.ResponseWriter, r *http.Request) {
	items, err := api.downloads.Recent(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    newJobResponses(items),
	})
}

func (api *API) ClearHistory(w http.ResponseWriter, r *http.Request) {
	olderThanDays, err := queryInt(r, "older_than_days", 0)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	deleted, err := api.downloads.ClearHistory(r.Context(), olderThanDays)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
		"message": "History cleared successfully",
	})
}

// ExportHistory streams the full history, optionally filtered by status, as
// an XLSX workbook.
func (api *API) ExportHistory(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusFilter(r)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	jobs, err := api.downloads.AllJobs(r.Context(), status)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	content, err := export.HistoryXLSX(jobs)
	if err != nil {
		api.writeServiceError(w, r, fmt.Errorf("export history: %w", err))
		return
	}

	filename := fmt.Sprintf("audiodrop-history-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
