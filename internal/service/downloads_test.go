package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/events"
	"github.com/iago/audiodrop-back/internal/media"
	"github.com/iago/audiodrop-back/internal/queue"
	"github.com/iago/audiodrop-back/internal/repository"
)

type fakeMedia struct {
	dir         string
	metadataErr error
	acquireErr  error
	panicValue  any
	beforeWrite func(jobID int64)
}

func (f *fakeMedia) ValidateURL(url string) bool {
	return media.ValidateURL(url)
}

func (f *fakeMedia) FetchMetadata(_ context.Context, _ string) (media.Metadata, error) {
	if f.metadataErr != nil {
		return media.Metadata{}, f.metadataErr
	}
	return media.Metadata{Title: "Test Song", Uploader: "Artist", Duration: 180}, nil
}

func (f *fakeMedia) Acquire(_ context.Context, req media.AcquireRequest) (media.Artifact, error) {
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	if f.acquireErr != nil {
		return media.Artifact{}, f.acquireErr
	}
	if f.beforeWrite != nil {
		f.beforeWrite(req.JobID)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%s-%d.mp3", media.SanitizeFilename(req.Title), req.JobID))
	if err := os.WriteFile(path, []byte("mp3"), 0o644); err != nil {
		return media.Artifact{}, err
	}
	return media.Artifact{Path: path, Size: 3}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []events.JobUpdate
}

func (p *recordingPublisher) Publish(update events.JobUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *recordingPublisher) statuses() []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses := make([]domain.JobStatus, 0, len(p.updates))
	for _, update := range p.updates {
		statuses = append(statuses, update.Status)
	}
	return statuses
}

type failingProducer struct{}

func (failingProducer) Enqueue(context.Context, domain.DownloadMessage) error {
	return queue.ErrQueueBackpressure
}

type testEnv struct {
	service   *DownloadsService
	repo      *repository.MemoryJobsRepository
	queue     *queue.LocalQueue
	media     *fakeMedia
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(16, nil)
	fake := &fakeMedia{dir: t.TempDir()}
	publisher := &recordingPublisher{}
	svc := NewDownloadsService(repo, localQueue, fake, publisher, DownloadsConfig{}, log.New(io.Discard, "", 0))
	return &testEnv{service: svc, repo: repo, queue: localQueue, media: fake, publisher: publisher}
}

func (e *testEnv) createAndExecute(t *testing.T) *domain.Job {
	t.Helper()
	job, err := e.service.Create(context.Background(), CreateInput{URL: "https://youtu.be/abc", Quality: "320"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	message := domain.DownloadMessage{JobID: job.ID, SourceURL: job.SourceURL, Title: job.Title, Quality: job.Quality}
	if err := e.service.Execute(context.Background(), message); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return job
}

func TestCreateValidatesInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		input CreateInput
		want  string
	}{
		{name: "empty url", input: CreateInput{URL: "   "}, want: "YouTube URL is required"},
		{name: "long url", input: CreateInput{URL: "https://youtu.be/" + strings.Repeat("a", 500)}, want: "URL is too long"},
		{name: "bad quality", input: CreateInput{URL: "https://youtu.be/abc", Quality: "999"}, want: "Invalid quality. Allowed: 128, 192, 256, 320"},
		{name: "foreign host", input: CreateInput{URL: "https://vimeo.com/1"}, want: "Invalid YouTube URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Create(context.Background(), tt.input)
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if domain.PublicMessage(err) != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, domain.PublicMessage(err))
			}
		})
	}

	stats, _ := env.repo.Stats(context.Background())
	if stats.TotalDownloads != 0 {
		t.Fatalf("expected no records after validation failures, got %d", stats.TotalDownloads)
	}
}

func TestCreateLookupFailureCreatesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.media.metadataErr = domain.NewLookupError("Video not found or unavailable: ERROR", nil)

	_, err := env.service.Create(context.Background(), CreateInput{URL: "https://youtu.be/missing"})
	if domain.KindOf(err) != domain.KindLookup {
		t.Fatalf("expected lookup error, got %v", err)
	}
	stats, _ := env.repo.Stats(context.Background())
	if stats.TotalDownloads != 0 {
		t.Fatalf("expected no records, got %d", stats.TotalDownloads)
	}
}

func TestCreateDefaultsQualityAndEnqueues(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.service.Create(context.Background(), CreateInput{URL: " https://www.youtube.com/watch?v=x "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Quality != domain.DefaultQuality || job.Status != domain.JobStatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.SourceURL != "https://www.youtube.com/watch?v=x" || job.Title != "Test Song" {
		t.Fatalf("unexpected url/title %q %q", job.SourceURL, job.Title)
	}
	if env.queue.Pending() != 1 {
		t.Fatalf("expected 1 queued message, got %d", env.queue.Pending())
	}
}

func TestCreateEnqueueFailureMarksJobFailed(t *testing.T) {
	repo := repository.NewMemoryJobsRepository()
	svc := NewDownloadsService(repo, failingProducer{}, &fakeMedia{dir: t.TempDir()}, nil, DownloadsConfig{}, nil)

	_, err := svc.Create(context.Background(), CreateInput{URL: "https://youtu.be/abc"})
	if !errors.Is(err, queue.ErrQueueBackpressure) {
		t.Fatalf("expected backpressure error, got %v", err)
	}
	if kind := domain.KindOf(err); kind != domain.KindRateLimited {
		t.Fatalf("expected rate_limited kind, got %q", kind)
	}
	stored, err := repo.GetJob(context.Background(), 1)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", stored.Status)
	}
}

func TestExecuteCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createAndExecute(t)

	view, err := env.service.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != domain.JobStatusCompleted || view.ProgressPercentage != 100 {
		t.Fatalf("expected completed at 100%%, got %s at %d", view.Status, view.ProgressPercentage)
	}

	artifact, err := env.service.Artifact(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if artifact.DownloadName != "Test Song.mp3" || artifact.Size != 3 {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	expected := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted}
	got := env.publisher.statuses()
	if len(got) != len(expected) {
		t.Fatalf("expected updates %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected updates %v, got %v", expected, got)
		}
	}
}

func TestExecuteRecordsPipelineFailure(t *testing.T) {
	env := newTestEnv(t)
	env.media.acquireErr = domain.NewPipelineError("yt-dlp failed: HTTP Error 403", errors.New("exit status 1"))
	job := env.createAndExecute(t)

	stored, _ := env.repo.GetJob(context.Background(), job.ID)
	if stored.Status != domain.JobStatusFailed || stored.ErrorMessage != "yt-dlp failed: HTTP Error 403" {
		t.Fatalf("unexpected failed job %+v", stored)
	}
	if stored.ArtifactPath != "" {
		t.Fatalf("expected no artifact on failure")
	}

	if _, err := env.service.Artifact(context.Background(), job.ID); !errors.Is(err, domain.ErrNotCompleted) {
		t.Fatalf("expected not completed error, got %v", err)
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)
	env.media.panicValue = "boom"
	job := env.createAndExecute(t)

	stored, _ := env.repo.GetJob(context.Background(), job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed after panic, got %s", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatalf("expected an error message after panic")
	}
}

func TestExecuteSkipsAlreadyClaimedJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createAndExecute(t)

	calls := 0
	env.media.beforeWrite = func(int64) { calls++ }
	message := domain.DownloadMessage{JobID: job.ID, SourceURL: job.SourceURL, Quality: job.Quality}
	if err := env.service.Execute(context.Background(), message); err != nil {
		t.Fatalf("execute duplicate: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected duplicate delivery to be skipped")
	}
}

func TestExecuteDiscardsArtifactWhenDeletedMidFlight(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.service.Create(context.Background(), CreateInput{URL: "https://youtu.be/abc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env.media.beforeWrite = func(jobID int64) {
		if err := env.service.Delete(context.Background(), jobID); err != nil {
			t.Errorf("delete mid-flight: %v", err)
		}
	}
	message := domain.DownloadMessage{JobID: job.ID, SourceURL: job.SourceURL, Title: job.Title, Quality: job.Quality}
	if err := env.service.Execute(context.Background(), message); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := env.repo.GetJob(context.Background(), job.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected job to stay deleted, got %v", err)
	}
	entries, _ := os.ReadDir(env.media.dir)
	if len(entries) != 0 {
		t.Fatalf("expected orphaned artifact to be removed, got %d files", len(entries))
	}
}

func TestDeleteRemovesArtifactAndRecord(t *testing.T) {
	env := newTestEnv(t)
	job := env.createAndExecute(t)
	artifact, err := env.service.Artifact(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}

	if err := env.service.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(artifact.Path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact removed, got %v", err)
	}
	if err := env.service.Delete(context.Background(), job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestClearHistoryRemovesCompletedOnly(t *testing.T) {
	env := newTestEnv(t)
	completed := env.createAndExecute(t)

	env.media.acquireErr = domain.NewPipelineError("failed", nil)
	failed := env.createAndExecute(t)

	deleted, err := env.service.ClearHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("clear history: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := env.repo.GetJob(context.Background(), completed.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected completed job deleted, got %v", err)
	}
	if _, err := env.repo.GetJob(context.Background(), failed.ID); err != nil {
		t.Fatalf("expected failed job kept, got %v", err)
	}

	deleted, err = env.service.ClearHistory(context.Background(), 0)
	if err != nil || deleted != 0 {
		t.Fatalf("expected empty clear to delete 0, got %d err=%v", deleted, err)
	}
}

func TestClearHistoryHonoursAgeCutoff(t *testing.T) {
	env := newTestEnv(t)
	env.service.now = func() time.Time { return time.Now().UTC().Add(-10 * 24 * time.Hour) }
	old := env.createAndExecute(t)
	env.service.now = func() time.Time { return time.Now().UTC() }
	fresh := env.createAndExecute(t)

	deleted, err := env.service.ClearHistory(context.Background(), 7)
	if err != nil {
		t.Fatalf("clear history: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := env.repo.GetJob(context.Background(), old.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected old job deleted")
	}
	if _, err := env.repo.GetJob(context.Background(), fresh.ID); err != nil {
		t.Fatalf("expected fresh job kept, got %v", err)
	}
}

func TestRecoverFailsStaleAndRequeuesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := &domain.Job{SourceURL: "https://youtu.be/a", Title: "a", Quality: "192"}
	_ = env.repo.CreateJob(ctx, stale)
	_ = env.repo.MarkProcessing(ctx, stale.ID, time.Now())
	pending := &domain.Job{SourceURL: "https://youtu.be/b", Title: "b", Quality: "192"}
	_ = env.repo.CreateJob(ctx, pending)

	requeued, err := env.service.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 1 || env.queue.Pending() != 1 {
		t.Fatalf("expected 1 requeued, got %d (queue %d)", requeued, env.queue.Pending())
	}
	stored, _ := env.repo.GetJob(ctx, stale.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected stale job failed, got %s", stored.Status)
	}
}

func TestHistoryNormalisesPaging(t *testing.T) {
	env := newTestEnv(t)
	env.createAndExecute(t)

	page, err := env.service.History(context.Background(), domain.HistoryFilter{Limit: 500})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Limit != repository.MaxHistoryLimit || page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	all, err := env.service.AllJobs(context.Background(), domain.JobStatusCompleted)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 completed job, got %d err=%v", len(all), err)
	}
}

var errDiskFull = errors.New("disk full")

// brokenListRepository fails every listing query.
type brokenListRepository struct {
	*repository.MemoryJobsRepository
}

func (brokenListRepository) ListJobs(context.Context, domain.HistoryFilter) ([]domain.Job, int, error) {
	return nil, 0, errDiskFull
}

func TestHistoryWrapsRepositoryFailureAsStorageError(t *testing.T) {
	repo := brokenListRepository{MemoryJobsRepository: repository.NewMemoryJobsRepository()}
	svc := NewDownloadsService(repo, queue.NewLocalQueue(4, nil), &fakeMedia{dir: t.TempDir()}, nil, DownloadsConfig{}, nil)

	_, err := svc.History(context.Background(), domain.HistoryFilter{})
	if kind := domain.KindOf(err); kind != domain.KindStorage {
		t.Fatalf("expected storage kind, got %q (%v)", kind, err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestExecuteStoresValidUTF8FailureReason(t *testing.T) {
	env := newTestEnv(t)
	env.media.acquireErr = domain.NewPipelineError("FFmpeg error: caf\xe9 \xff", errors.New("exit status 1"))
	job := env.createAndExecute(t)

	stored, _ := env.repo.GetJob(context.Background(), job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", stored.Status)
	}
	if !utf8.ValidString(stored.ErrorMessage) || !strings.HasPrefix(stored.ErrorMessage, "FFmpeg error: caf") {
		t.Fatalf("expected sanitized error message, got %q", stored.ErrorMessage)
	}
}
