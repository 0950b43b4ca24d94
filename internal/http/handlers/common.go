package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/iago/audiodrop-back/internal/cleanup"
	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/events"
	"github.com/iago/audiodrop-back/internal/http/middleware"
	"github.com/iago/audiodrop-back/internal/service"
)

const maxBodyBytes = 64 << 10

var errInvalidPayload = errors.New("invalid payload")

// createDownloadSchema accepts quality as "192" or 192.
const createDownloadSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string"},
		"quality": {"type": ["string", "integer"]}
	},
	"additionalProperties": false
}`

type Dependencies struct {
	Downloads *service.DownloadsService
	Cleanup   *cleanup.Service
	Hub       *events.Hub
	Logger    *log.Logger
}

type API struct {
	downloads    *service.DownloadsService
	cleanup      *cleanup.Service
	hub          *events.Hub
	logger       *log.Logger
	createSchema *jsonschema.Schema
	upgrader     websocket.Upgrader
}

func NewAPI(deps Dependencies) (*API, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("create_download.json", strings.NewReader(createDownloadSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("create_download.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &API{
		downloads:    deps.Downloads,
		cleanup:      deps.Cleanup,
		hub:          deps.Hub,
		logger:       deps.Logger,
		createSchema: schema,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// jobResponse is the public shape of a job. The artifact path stays private.
type jobResponse struct {
	ID           int64      `json:"id"`
	YouTubeURL   string     `json:"youtube_url"`
	Title        string     `json:"title"`
	Quality      string     `json:"quality"`
	Status       string     `json:"status"`
	FileSize     *int64     `json:"file_size"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func newJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		YouTubeURL:   job.SourceURL,
		Title:        job.Title,
		Quality:      string(job.Quality),
		Status:       string(job.Status),
		FileSize:     optionalSize(job.ArtifactSize),
		ErrorMessage: optionalString(job.ErrorMessage),
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func newJobResponses(jobs []domain.Job) []jobResponse {
	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}
	return items
}

func optionalSize(size int64) *int64 {
	if size <= 0 {
		return nil
	}
	return &size
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	middleware.WriteError(w, r, statusCode, message)
}

// writeServiceError maps service errors to HTTP statuses. Anything without a
// client-facing kind is logged and reported as a generic 500.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindLookup, domain.KindNotComplete:
		writeError(w, r, http.StatusBadRequest, domain.PublicMessage(err))
		return
	case domain.KindNotFound:
		writeError(w, r, http.StatusNotFound, domain.PublicMessage(err))
		return
	case domain.KindRateLimited:
		writeError(w, r, http.StatusTooManyRequests, domain.PublicMessage(err))
		return
	case domain.KindStorage:
		if api.logger != nil {
			api.logger.Printf("storage failure request_id=%s method=%s path=%s err=%v",
				middleware.GetRequestID(r.Context()), r.Method, r.URL.Path, err)
		}
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	if api.logger != nil {
		api.logger.Printf("request failed request_id=%s method=%s path=%s err=%v",
			middleware.GetRequestID(r.Context()), r.Method, r.URL.Path, err)
	}
	writeError(w, r, http.StatusInternalServerError, "Internal server error")
}

// decodeJSON validates the body against schema before decoding it. An empty
// body decodes as an empty object.
func decodeJSON(r *http.Request, schema *jsonschema.Schema, value any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		return errInvalidPayload
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var document any
	documentDecoder := json.NewDecoder(bytes.NewReader(raw))
	documentDecoder.UseNumber()
	if err := documentDecoder.Decode(&document); err != nil {
		return errInvalidPayload
	}
	if schema != nil {
		if err := schema.Validate(document); err != nil {
			return fmt.Errorf("%w: %v", errInvalidPayload, err)
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// pathID reads the numeric {id} route variable.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, domain.NewValidationError(key + " must be a non-negative integer")
	}
	return value, nil
}
