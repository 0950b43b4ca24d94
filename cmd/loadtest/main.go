package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/audiodrop-back/internal/cleanup"
	"github.com/iago/audiodrop-back/internal/events"
	httpserver "github.com/iago/audiodrop-back/internal/http"
	"github.com/iago/audiodrop-back/internal/http/handlers"
	"github.com/iago/audiodrop-back/internal/media"
	"github.com/iago/audiodrop-back/internal/queue"
	"github.com/iago/audiodrop-back/internal/ratelimit"
	"github.com/iago/audiodrop-back/internal/repository"
	"github.com/iago/audiodrop-back/internal/service"
	"github.com/iago/audiodrop-back/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	baseURL string
	close   func()
}

// simulatedMedia stands in for yt-dlp and ffmpeg so the pipeline can be
// measured without network access.
type simulatedMedia struct {
	dir     string
	latency time.Duration
}

func (m *simulatedMedia) ValidateURL(url string) bool {
	return media.ValidateURL(url)
}

func (m *simulatedMedia) FetchMetadata(context.Context, string) (media.Metadata, error) {
	return media.Metadata{Title: "Benchmark Track", Uploader: "Load", Duration: 180}, nil
}

func (m *simulatedMedia) Acquire(ctx context.Context, req media.AcquireRequest) (media.Artifact, error) {
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return media.Artifact{}, ctx.Err()
	case <-timer.C:
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%s-%d.mp3", media.SanitizeFilename(req.Title), req.JobID))
	payload := bytes.Repeat([]byte{0xff}, 4096)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return media.Artifact{}, err
	}
	return media.Artifact{Path: path, Size: int64(len(payload))}, nil
}

func main() {
	target := flag.String("target", "", "base URL of a running API; empty starts a local in-process server")
	createTotal := flag.Int("create-total", 200, "total download create requests")
	createConcurrency := flag.Int("create-concurrency", 16, "concurrency for create requests")
	statusTotal := flag.Int("status-total", 400, "total status requests")
	statusConcurrency := flag.Int("status-concurrency", 24, "concurrency for status requests")
	historyTotal := flag.Int("history-total", 120, "total history list requests")
	historyConcurrency := flag.Int("history-concurrency", 12, "concurrency for history list requests")
	workers := flag.Int("workers", 4, "worker pool size for the local server")
	pipelineLatency := flag.Duration("pipeline-latency", 20*time.Millisecond, "simulated acquire duration for the local server")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment(*target, *workers, *pipelineLatency)
	if err != nil {
		log.Fatalf("failed to start benchmark environment: %v", err)
	}
	defer env.close()

	client := &http.Client{Timeout: 30 * time.Second}

	var (
		idsMu sync.Mutex
		ids   = make([]int64, 0, *createTotal)
	)
	createScenario := runScenario("download_create", *createTotal, *createConcurrency, func(index int) error {
		payload := map[string]any{
			"url":     fmt.Sprintf("https://www.youtube.com/watch?v=bench%05d", index),
			"quality": []string{"128", "192", "256", "320"}[index%4],
		}
		var created struct {
			DownloadID int64 `json:"download_id"`
		}
		if err := postJSON(client, env.baseURL+"/api/download", payload, http.StatusAccepted, &created); err != nil {
			return err
		}
		idsMu.Lock()
		ids = append(ids, created.DownloadID)
		idsMu.Unlock()
		return nil
	})

	var cursor int64
	statusScenario := runScenario("download_status", *statusTotal, *statusConcurrency, func(index int) error {
		idsMu.Lock()
		count := len(ids)
		idsMu.Unlock()
		if count == 0 {
			return fmt.Errorf("no downloads created")
		}
		next := atomic.AddInt64(&cursor, 1)
		idsMu.Lock()
		id := ids[int(next)%count]
		idsMu.Unlock()
		return getJSON(client, fmt.Sprintf("%s/api/download/%d", env.baseURL, id), http.StatusOK)
	})

	historyScenario := runScenario("history_list", *historyTotal, *historyConcurrency, func(index int) error {
		url := fmt.Sprintf("%s/api/history?limit=50&offset=%d", env.baseURL, (index%4)*50)
		return getJSON(client, url, http.StatusOK)
	})

	drainScenario := runDrainScenario(client, env.baseURL, len(ids), 2*time.Minute)

	results := []scenarioResult{
		createScenario,
		statusScenario,
		historyScenario,
		drainScenario,
	}
	slo := map[string]bool{
		"create_p95_le_500ms":          createScenario.P95MS <= 500,
		"status_p95_le_200ms":          statusScenario.P95MS <= 200,
		"all_downloads_reach_terminal": drainScenario.Errors == 0,
	}

	environment := "local-httptest"
	if *target != "" {
		environment = *target
	}
	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    environment,
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(target string, workers int, latency time.Duration) (*benchmarkEnv, error) {
	if target != "" {
		return &benchmarkEnv{baseURL: target, close: func() {}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	dir, err := os.MkdirTemp("", "audiodrop-bench-*")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(8192, logger)
	hub := events.NewHub(logger)
	go hub.Run(ctx)

	downloads := service.NewDownloadsService(repo, localQueue, &simulatedMedia{dir: dir, latency: latency}, hub, service.DownloadsConfig{}, logger)
	processor := worker.NewProcessor(localQueue, downloads.Execute, workers, logger)
	processor.Start(ctx)

	api, err := handlers.NewAPI(handlers.Dependencies{
		Downloads: downloads,
		Cleanup:   cleanup.NewService(repo, cleanup.Config{ArtifactDir: dir}, logger),
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
		Admission:      ratelimit.NewSlidingWindow(ratelimit.Config{Limit: math.MaxInt32}, logger),
	})

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		baseURL: server.URL,
		close: func() {
			server.Close()
			cancel()
			processor.Wait()
			_ = os.RemoveAll(dir)
		},
	}, nil
}

// runDrainScenario measures how long the worker pool needs to bring every
// created download to a terminal status.
func runDrainScenario(client *http.Client, baseURL string, expected int, timeout time.Duration) scenarioResult {
	result := scenarioResult{Name: "pipeline_drain", Total: expected}
	if expected == 0 {
		return result
	}

	startedAt := time.Now()
	deadline := startedAt.Add(timeout)
	for {
		var stats struct {
			Stats struct {
				Completed int `json:"completed_downloads"`
				Failed    int `json:"failed_downloads"`
			} `json:"stats"`
		}
		if err := getJSONInto(client, baseURL+"/api/history/stats", http.StatusOK, &stats); err != nil {
			result.Errors = expected
			result.ErrorSamples = []string{err.Error()}
			return result
		}

		done := stats.Stats.Completed + stats.Stats.Failed
		if done >= expected || time.Now().After(deadline) {
			elapsed := time.Since(startedAt)
			result.Success = stats.Stats.Completed
			result.Errors = expected - stats.Stats.Completed
			result.MaxMS = round2(float64(elapsed.Microseconds()) / 1000.0)
			if elapsed > 0 {
				result.ThroughputRPS = round2(float64(done) / elapsed.Seconds())
			}
			return result
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url string, payload any, expectedStatus int, into any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	return do(client, request, expectedStatus, into)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	return getJSONInto(client, url, expectedStatus, nil)
}

func getJSONInto(client *http.Client, url string, expectedStatus int, into any) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	return do(client, request, expectedStatus, into)
}

func do(client *http.Client, request *http.Request, expectedStatus int, into any) error {
	if token := os.Getenv("API_AUTH_TOKEN"); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if into != nil {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
