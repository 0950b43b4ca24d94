package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/events"
	"github.com/iago/audiodrop-back/internal/media"
	"github.com/iago/audiodrop-back/internal/queue"
	"github.com/iago/audiodrop-back/internal/repository"
)

const (
	defaultMetadataTimeout = 30 * time.Second
	defaultPipelineTimeout = 600 * time.Second
	terminalWriteTimeout   = 5 * time.Second
	recentLimit            = 10
	unknownFailure         = "Unknown error occurred"
)

type DownloadsConfig struct {
	MetadataTimeout time.Duration
	PipelineTimeout time.Duration
}

type CreateInput struct {
	URL     string
	Quality string
}

type JobStatusView struct {
	domain.Job
	ProgressPercentage int
}

type Artifact struct {
	Path         string
	Size         int64
	DownloadName string
}

type HistoryPage struct {
	Items  []domain.Job
	Total  int
	Limit  int
	Offset int
}

// DownloadsService owns the download job lifecycle. A job is executed by the
// worker that wins the pending to processing transition.
type DownloadsService struct {
	repo      repository.JobsRepository
	producer  queue.Producer
	media     media.Client
	publisher events.Publisher
	cfg       DownloadsConfig
	logger    *log.Logger
	now       func() time.Time
}

func NewDownloadsService(
	repo repository.JobsRepository,
	producer queue.Producer,
	mediaClient media.Client,
	publisher events.Publisher,
	cfg DownloadsConfig,
	logger *log.Logger,
) *DownloadsService {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = defaultMetadataTimeout
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = defaultPipelineTimeout
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DownloadsService{
		repo:      repo,
		producer:  producer,
		media:     mediaClient,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *DownloadsService) Create(ctx context.Context, input CreateInput) (*domain.Job, error) {
	url := strings.TrimSpace(input.URL)
	if url == "" {
		return nil, domain.NewValidationError("YouTube URL is required")
	}
	if len(url) > media.MaxURLLength {
		return nil, domain.NewValidationError("URL is too long")
	}
	quality, ok := domain.ParseQuality(strings.TrimSpace(input.Quality))
	if !ok {
		allowed := make([]string, 0, len(domain.AllowedQualities))
		for _, value := range domain.AllowedQualities {
			allowed = append(allowed, string(value))
		}
		return nil, domain.NewValidationError("Invalid quality. Allowed: " + strings.Join(allowed, ", "))
	}
	if !s.media.ValidateURL(url) {
		return nil, domain.NewValidationError("Invalid YouTube URL")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
	metadata, err := s.media.FetchMetadata(lookupCtx, url)
	cancel()
	if err != nil {
		s.logf("metadata lookup failed url=%q err=%v", url, err)
		if domain.KindOf(err) == "" {
			return nil, domain.NewLookupError("Error fetching video info", err)
		}
		return nil, err
	}

	job := &domain.Job{
		SourceURL: url,
		Title:     metadata.Title,
		Quality:   quality,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, domain.NewStorageError("create job", err)
	}

	message := domain.DownloadMessage{
		JobID:       job.ID,
		SourceURL:   job.SourceURL,
		Title:       job.Title,
		Quality:     job.Quality,
		RequestedAt: job.CreatedAt,
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		s.finishFailed(ctx, job.ID, "Error queueing download")
		if errors.Is(err, queue.ErrQueueBackpressure) {
			return nil, &domain.Error{Kind: domain.KindRateLimited, Message: "Download queue is full, try again later", Cause: err}
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logf("download queued job_id=%d quality=%s", job.ID, job.Quality)
	s.publisher.Publish(events.NewJobUpdate(job))
	return job, nil
}

// Execute runs the acquisition pipeline for one queued message. It returns an
// error only when the job could not be claimed because of a storage failure.
func (s *DownloadsService) Execute(ctx context.Context, message domain.DownloadMessage) error {
	if err := s.repo.MarkProcessing(ctx, message.JobID, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			s.logf("download skipped job_id=%d reason=%v", message.JobID, err)
			return nil
		}
		return fmt.Errorf("claim job %d: %w", message.JobID, err)
	}
	s.publish(ctx, message.JobID)

	artifact, err := s.acquire(ctx, message)
	if err != nil {
		reason := strings.ToValidUTF8(domain.PublicMessage(err), "\uFFFD")
		if strings.TrimSpace(reason) == "" {
			reason = unknownFailure
		}
		s.logf("download failed job_id=%d err=%v", message.JobID, err)
		s.finishFailed(ctx, message.JobID, reason)
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := s.repo.MarkCompleted(writeCtx, message.JobID, artifact.Path, artifact.Size, s.now()); err != nil {
		// Nobody owns the artifact once its record is gone.
		s.removeArtifact(artifact.Path)
		if errors.Is(err, repository.ErrNotFound) {
			s.logf("download deleted while processing job_id=%d", message.JobID)
			return nil
		}
		s.logf("mark completed failed job_id=%d err=%v", message.JobID, err)
		s.finishFailed(ctx, message.JobID, "Error saving download")
		return nil
	}

	s.logf("download completed job_id=%d size=%d", message.JobID, artifact.Size)
	s.publish(writeCtx, message.JobID)
	return nil
}

func (s *DownloadsService) acquire(ctx context.Context, message domain.DownloadMessage) (artifact media.Artifact, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pipeline panic: %v", recovered)
		}
	}()

	pipelineCtx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer cancel()

	return s.media.Acquire(pipelineCtx, media.AcquireRequest{
		JobID:   message.JobID,
		URL:     message.SourceURL,
		Quality: message.Quality,
		Title:   message.Title,
	})
}

// finishFailed records a terminal failure even when ctx is already cancelled.
func (s *DownloadsService) finishFailed(ctx context.Context, jobID int64, reason string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err := s.repo.MarkFailed(writeCtx, jobID, reason, s.now()); err != nil {
		s.logf("mark failed failed job_id=%d err=%v", jobID, err)
		return
	}
	s.publish(writeCtx, jobID)
}

func (s *DownloadsService) publish(ctx context.Context, jobID int64) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	s.publisher.Publish(events.NewJobUpdate(job))
}

func (s *DownloadsService) Status(ctx context.Context, jobID int64) (*JobStatusView, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewNotFoundError("Download not found")
		}
		return nil, domain.NewStorageError("get job", err)
	}
	return &JobStatusView{Job: *job, ProgressPercentage: job.Status.Progress()}, nil
}

func (s *DownloadsService) Artifact(ctx context.Context, jobID int64) (*Artifact, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewNotFoundError("Download not found")
		}
		return nil, domain.NewStorageError("get job", err)
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, domain.NewNotCompletedError(job.Status)
	}
	if job.ArtifactPath == "" {
		return nil, domain.NewNotFoundError("File path not found")
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, domain.NewNotFoundError("File not found")
	}
	return &Artifact{
		Path:         job.ArtifactPath,
		Size:         info.Size(),
		DownloadName: job.Title + ".mp3",
	}, nil
}

// Delete removes the artifact before the record. An in-flight job keeps
// running and its result is discarded.
func (s *DownloadsService) Delete(ctx context.Context, jobID int64) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewNotFoundError("Download not found")
		}
		return domain.NewStorageError("get job", err)
	}

	if job.ArtifactPath != "" {
		s.removeArtifact(job.ArtifactPath)
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewNotFoundError("Download not found")
		}
		return domain.NewStorageError("delete job", err)
	}
	s.logf("download deleted job_id=%d", jobID)
	return nil
}

func (s *DownloadsService) History(ctx context.Context, filter domain.HistoryFilter) (*HistoryPage, error) {
	filter = repository.NormalizeHistoryFilter(filter)
	items, total, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, domain.NewStorageError("list jobs", err)
	}
	return &HistoryPage{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// AllJobs pages through the whole history for status ("" for every status).
func (s *DownloadsService) AllJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	items := make([]domain.Job, 0)
	offset := 0
	for {
		page, total, err := s.repo.ListJobs(ctx, domain.HistoryFilter{
			Status: status,
			Limit:  repository.MaxHistoryLimit,
			Offset: offset,
		})
		if err != nil {
			return nil, domain.NewStorageError("list jobs", err)
		}
		items = append(items, page...)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			return items, nil
		}
	}
}

func (s *DownloadsService) Stats(ctx context.Context) (domain.Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return domain.Stats{}, domain.NewStorageError("job stats", err)
	}
	return stats, nil
}

func (s *DownloadsService) Recent(ctx context.Context) ([]domain.Job, error) {
	items, err := s.repo.RecentCompleted(ctx, recentLimit)
	if err != nil {
		return nil, domain.NewStorageError("recent jobs", err)
	}
	return items, nil
}

// ClearHistory deletes completed jobs, optionally only those created more
// than olderThanDays ago. It returns the number of records removed.
func (s *DownloadsService) ClearHistory(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, domain.NewValidationError("older_than_days must be a non-negative integer")
	}
	filter := domain.ExpiryFilter{Status: domain.JobStatusCompleted}
	if olderThanDays > 0 {
		filter.CreatedBefore = s.now().AddDate(0, 0, -olderThanDays)
	}

	jobs, err := s.repo.ListExpired(ctx, filter)
	if err != nil {
		return 0, domain.NewStorageError("list completed jobs", err)
	}

	deleted := 0
	for _, job := range jobs {
		if job.ArtifactPath != "" && !s.removeArtifact(job.ArtifactPath) {
			continue
		}
		if err := s.repo.DeleteJob(ctx, job.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return deleted, domain.NewStorageError(fmt.Sprintf("delete job %d", job.ID), err)
		}
		deleted++
	}
	s.logf("history cleared deleted=%d older_than_days=%d", deleted, olderThanDays)
	return deleted, nil
}

// Recover fails jobs left processing by a previous run and re-dispatches
// pending ones. Re-dispatch is safe because only one worker can claim a job.
func (s *DownloadsService) Recover(ctx context.Context) (int, error) {
	stale, err := s.repo.ListExpired(ctx, domain.ExpiryFilter{Status: domain.JobStatusProcessing})
	if err != nil {
		return 0, domain.NewStorageError("list processing jobs", err)
	}
	for _, job := range stale {
		s.finishFailed(ctx, job.ID, "Processing interrupted by server restart")
	}

	pending, err := s.repo.ListExpired(ctx, domain.ExpiryFilter{Status: domain.JobStatusPending})
	if err != nil {
		return 0, domain.NewStorageError("list pending jobs", err)
	}
	requeued := 0
	for _, job := range pending {
		message := domain.DownloadMessage{
			JobID:       job.ID,
			SourceURL:   job.SourceURL,
			Title:       job.Title,
			Quality:     job.Quality,
			RequestedAt: job.CreatedAt,
		}
		if err := s.producer.Enqueue(ctx, message); err != nil {
			s.logf("requeue failed job_id=%d err=%v", job.ID, err)
			continue
		}
		requeued++
	}
	if len(stale) > 0 || requeued > 0 {
		s.logf("recovery done failed_stale=%d requeued=%d", len(stale), requeued)
	}
	return requeued, nil
}

// removeArtifact reports whether path no longer exists.
func (s *DownloadsService) removeArtifact(path string) bool {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logf("artifact removal failed path=%s err=%v", path, err)
		return false
	}
	return true
}

func (s *DownloadsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
