package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iago/audiodrop-back/internal/cleanup"
	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/events"
	"github.com/iago/audiodrop-back/internal/http/handlers"
	"github.com/iago/audiodrop-back/internal/media"
	"github.com/iago/audiodrop-back/internal/queue"
	"github.com/iago/audiodrop-back/internal/ratelimit"
	"github.com/iago/audiodrop-back/internal/repository"
	"github.com/iago/audiodrop-back/internal/service"
	"github.com/iago/audiodrop-back/internal/worker"
)

type stubMedia struct {
	dir string
}

func (m *stubMedia) ValidateURL(url string) bool {
	return media.ValidateURL(url)
}

func (m *stubMedia) FetchMetadata(context.Context, string) (media.Metadata, error) {
	return media.Metadata{Title: "Test Song", Uploader: "Artist", Duration: 212}, nil
}

func (m *stubMedia) Acquire(_ context.Context, req media.AcquireRequest) (media.Artifact, error) {
	path := filepath.Join(m.dir, fmt.Sprintf("%s-%d.mp3", media.SanitizeFilename(req.Title), req.JobID))
	if err := os.WriteFile(path, []byte("ID3 fake mp3"), 0o644); err != nil {
		return media.Artifact{}, err
	}
	return media.Artifact{Path: path, Size: 12}, nil
}

type testEnv struct {
	server *httptest.Server
	repo   *repository.MemoryJobsRepository
	hub    *events.Hub
	dir    string
}

type envOptions struct {
	authToken     string
	admitPerRange int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	repo := repository.NewMemoryJobsRepository()
	jobsQueue := queue.NewLocalQueue(16, logger)
	hub := events.NewHub(logger)
	go hub.Run(ctx)

	downloads := service.NewDownloadsService(repo, jobsQueue, &stubMedia{dir: dir}, hub, service.DownloadsConfig{
		MetadataTimeout: time.Second,
		PipelineTimeout: 5 * time.Second,
	}, logger)
	processor := worker.NewProcessor(jobsQueue, downloads.Execute, 2, logger)
	processor.Start(ctx)

	cleanupService := cleanup.NewService(repo, cleanup.Config{
		ArtifactDir:     dir,
		Retention:       7 * 24 * time.Hour,
		FailedRetention: 24 * time.Hour,
		Interval:        time.Hour,
	}, logger)

	api, err := handlers.NewAPI(handlers.Dependencies{
		Downloads: downloads,
		Cleanup:   cleanupService,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	limit := opts.admitPerRange
	if limit == 0 {
		limit = 100
	}
	router := NewRouter(ctx, RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      opts.authToken,
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Admission:      ratelimit.NewSlidingWindow(ratelimit.Config{Limit: limit, Window: time.Minute}, logger),
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
		processor.Wait()
	})

	return &testEnv{server: server, repo: repo, hub: hub, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	payload := map[string]any{}
	if strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return response, payload
}

func (e *testEnv) create(t *testing.T, body string) int64 {
	t.Helper()
	response, payload := e.do(t, http.MethodPost, "/api/download", body)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", response.StatusCode, payload)
	}
	if payload["status"] != "pending" || payload["success"] != true {
		t.Fatalf("unexpected create payload %v", payload)
	}
	return int64(payload["download_id"].(float64))
}

func (e *testEnv) waitForStatus(t *testing.T, id int64, status string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, payload := e.do(t, http.MethodGet, fmt.Sprintf("/api/download/%d", id), "")
		if payload["status"] == status {
			return payload
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d never reached %s, last payload %v", id, status, payload)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	id := env.create(t, `{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","quality":"320"}`)
	status := env.waitForStatus(t, id, "completed")
	if status["progress_percentage"] != float64(100) {
		t.Fatalf("expected progress 100, got %v", status["progress_percentage"])
	}
	if status["title"] != "Test Song" || status["quality"] != "320" {
		t.Fatalf("unexpected status payload %v", status)
	}

	response, err := http.Get(fmt.Sprintf("%s/api/download/%d/file", env.server.URL, id))
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if got := response.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg, got %q", got)
	}
	if got := response.Header.Get("Content-Disposition"); !strings.Contains(got, "Test Song.mp3") {
		t.Fatalf("expected download name in disposition, got %q", got)
	}
	if string(body) != "ID3 fake mp3" {
		t.Fatalf("unexpected file body %q", body)
	}

	_, history := env.do(t, http.MethodGet, "/api/history", "")
	if history["total"] != float64(1) {
		t.Fatalf("expected one history item, got %v", history["total"])
	}

	_, stats := env.do(t, http.MethodGet, "/api/history/stats", "")
	statsBody, _ := stats["stats"].(map[string]any)
	if statsBody["completed_downloads"] != float64(1) || statsBody["total_data_processed"] != float64(12) {
		t.Fatalf("unexpected stats %v", stats)
	}

	job, err := env.repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	artifactPath := job.ArtifactPath

	if response, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/download/%d", id), ""); response.StatusCode != http.StatusOK {
		t.Fatalf("expected delete 200, got %d", response.StatusCode)
	}
	if _, err := os.Stat(artifactPath); !os.IsNotExist(err) {
		t.Fatalf("expected artifact removed, stat err=%v", err)
	}
	if response, _ := env.do(t, http.MethodGet, fmt.Sprintf("/api/download/%d", id), ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", response.StatusCode)
	}
	if response, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/api/download/%d", id), ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected repeated delete 404, got %d", response.StatusCode)
	}
}

func TestCreateDownloadValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "missing url", body: `{}`, message: "YouTube URL is required"},
		{name: "empty body", body: "", message: "YouTube URL is required"},
		{name: "bad quality", body: `{"url":"https://youtu.be/abc","quality":"999"}`, message: "Invalid quality. Allowed: 128, 192, 256, 320"},
		{name: "not youtube", body: `{"url":"https://vimeo.com/123"}`, message: "Invalid YouTube URL"},
		{name: "too long", body: `{"url":"https://youtu.be/` + strings.Repeat("a", 500) + `"}`, message: "URL is too long"},
		{name: "unknown field", body: `{"url":"https://youtu.be/abc","format":"flac"}`, message: "Invalid request payload"},
		{name: "wrong type", body: `{"url":42}`, message: "Invalid request payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, payload := env.do(t, http.MethodPost, "/api/download", tt.body)
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", response.StatusCode)
			}
			if payload["message"] != tt.message || payload["success"] != false {
				t.Fatalf("expected message %q, got %v", tt.message, payload)
			}
		})
	}

	_, history := env.do(t, http.MethodGet, "/api/history", "")
	if history["total"] != float64(0) {
		t.Fatalf("expected no jobs after rejected requests, got %v", history["total"])
	}
}

func TestCreateDownloadAcceptsNumericQuality(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t, `{"url":"https://youtu.be/abc","quality":128}`)
	status := env.waitForStatus(t, id, "completed")
	if status["quality"] != "128" {
		t.Fatalf("expected quality 128, got %v", status["quality"])
	}
}

func TestCreateDownloadAdmissionLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{admitPerRange: 5})

	for i := 0; i < 5; i++ {
		env.create(t, `{"url":"https://youtu.be/abc"}`)
	}
	response, payload := env.do(t, http.MethodPost, "/api/download", `{"url":"https://youtu.be/abc"}`)
	if response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", response.StatusCode)
	}
	if response.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if payload["message"] != "Rate limit exceeded. Max 5 downloads per minute." {
		t.Fatalf("unexpected message %v", payload["message"])
	}

	if response, _ := env.do(t, http.MethodGet, "/api/history", ""); response.StatusCode != http.StatusOK {
		t.Fatalf("expected other routes unaffected, got %d", response.StatusCode)
	}
}

func TestHistoryQueryValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, path := range []string{
		"/api/history?status=done",
		"/api/history?limit=-1",
		"/api/history?offset=-3",
		"/api/history?limit=abc",
		"/api/history/clear?older_than_days=-2",
	} {
		method := http.MethodGet
		if strings.HasPrefix(path, "/api/history/clear") {
			method = http.MethodDelete
		}
		if response, _ := env.do(t, method, path, ""); response.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, response.StatusCode)
		}
	}

	_, payload := env.do(t, http.MethodGet, "/api/history?limit=500", "")
	if payload["limit"] != float64(100) {
		t.Fatalf("expected limit capped to 100, got %v", payload["limit"])
	}

	response, payload := env.do(t, http.MethodDelete, "/api/history/clear", "")
	if response.StatusCode != http.StatusOK || payload["deleted"] != float64(0) {
		t.Fatalf("expected empty clear to succeed, got %d %v", response.StatusCode, payload)
	}
}

func TestDownloadFileBeforeCompletion(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	job := &domain.Job{
		SourceURL: "https://youtu.be/abc",
		Title:     "Queued",
		Quality:   domain.Quality("192"),
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	response, payload := env.do(t, http.MethodGet, fmt.Sprintf("/api/download/%d/file", job.ID), "")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
	if payload["message"] != "Cannot download. Status: pending" {
		t.Fatalf("unexpected message %v", payload["message"])
	}
}

func TestHistoryExport(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t, `{"url":"https://youtu.be/abc"}`)
	env.waitForStatus(t, id, "completed")

	response, err := http.Get(env.server.URL + "/api/history/export?status=completed")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if !strings.Contains(response.Header.Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}
	if len(body) < 4 || string(body[:2]) != "PK" {
		t.Fatalf("expected xlsx zip payload")
	}
}

func TestCleanupEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	response, payload := env.do(t, http.MethodGet, "/api/cleanup/status", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	status, _ := payload["status"].(map[string]any)
	if status["retention_days"] != float64(7) {
		t.Fatalf("unexpected cleanup status %v", payload)
	}

	response, payload = env.do(t, http.MethodPost, "/api/cleanup/run", "")
	if response.StatusCode != http.StatusOK || payload["success"] != true {
		t.Fatalf("expected cleanup run to succeed, got %d %v", response.StatusCode, payload)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	env := newTestEnv(t, envOptions{authToken: "s3cret"})

	if response, _ := env.do(t, http.MethodGet, "/api/history", ""); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
	if response, payload := env.do(t, http.MethodGet, "/api/health", ""); response.StatusCode != http.StatusOK || payload["status"] != "healthy" {
		t.Fatalf("expected public health check, got %d %v", response.StatusCode, payload)
	}

	request, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/history", nil)
	request.Header.Set("Authorization", "Bearer s3cret")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", response.StatusCode)
	}
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	response, payload := env.do(t, http.MethodGet, "/api/nope", "")
	if response.StatusCode != http.StatusNotFound || payload["message"] != "Endpoint not found" {
		t.Fatalf("expected JSON 404, got %d %v", response.StatusCode, payload)
	}
	response, _ = env.do(t, http.MethodPut, "/api/history", "")
	if response.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", response.StatusCode)
	}
	response, payload = env.do(t, http.MethodGet, "/", "")
	if response.StatusCode != http.StatusOK || payload["version"] != "1.0.0" {
		t.Fatalf("unexpected index %d %v", response.StatusCode, payload)
	}
}

func TestLiveUpdatesFeed(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["type"] != "snapshot" {
		t.Fatalf("expected snapshot first, got %v", snapshot)
	}

	deadline := time.Now().Add(time.Second)
	for env.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := env.create(t, `{"url":"https://youtu.be/abc"}`)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var update events.JobUpdate
		if err := conn.ReadJSON(&update); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if update.DownloadID != id {
			continue
		}
		if update.Status == "completed" {
			if update.ProgressPercentage != 100 {
				t.Fatalf("expected progress 100, got %d", update.ProgressPercentage)
			}
			return
		}
	}
}
