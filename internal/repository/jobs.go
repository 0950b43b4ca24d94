package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ErrNotFound is kept here so callers of the store do not need the domain
// package for the common case.
var ErrNotFound = domain.ErrNotFound

// JobsRepository abstracts job persistence and query operations. Every
// mutation is a single atomic statement; status changes are conditional on
// the current status so transitions can never move backwards.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID int64) (*domain.Job, error)
	MarkProcessing(ctx context.Context, jobID int64, at time.Time) error
	MarkCompleted(ctx context.Context, jobID int64, artifactPath string, artifactSize int64, at time.Time) error
	MarkFailed(ctx context.Context, jobID int64, message string, at time.Time) error
	ListJobs(ctx context.Context, filter domain.HistoryFilter) ([]domain.Job, int, error)
	RecentCompleted(ctx context.Context, limit int) ([]domain.Job, error)
	Stats(ctx context.Context) (domain.Stats, error)
	ListExpired(ctx context.Context, filter domain.ExpiryFilter) ([]domain.Job, error)
	DeleteJob(ctx context.Context, jobID int64) error
	Close()
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[int64]*domain.Job),
	}
}

func (r *MemoryJobsRepository) Close() {}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	job.ID = r.nextID
	job.Status = domain.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID int64) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) MarkProcessing(_ context.Context, jobID int64, _ time.Time) error {
	return r.transition(jobID, []domain.JobStatus{domain.JobStatusPending}, func(job *domain.Job) {
		job.Status = domain.JobStatusProcessing
	})
}

func (r *MemoryJobsRepository) MarkCompleted(
	_ context.Context,
	jobID int64,
	artifactPath string,
	artifactSize int64,
	at time.Time,
) error {
	return r.transition(jobID, []domain.JobStatus{domain.JobStatusProcessing}, func(job *domain.Job) {
		completedAt := at.UTC()
		job.Status = domain.JobStatusCompleted
		job.ArtifactPath = artifactPath
		job.ArtifactSize = artifactSize
		job.CompletedAt = &completedAt
	})
}

func (r *MemoryJobsRepository) MarkFailed(_ context.Context, jobID int64, message string, at time.Time) error {
	from := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}
	return r.transition(jobID, from, func(job *domain.Job) {
		completedAt := at.UTC()
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = message
		job.CompletedAt = &completedAt
	})
}

func (r *MemoryJobsRepository) transition(jobID int64, from []domain.JobStatus, apply func(*domain.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrInvalidTransition
	}
	for _, status := range from {
		if job.Status == status {
			apply(job)
			return nil
		}
	}
	return domain.ErrInvalidTransition
}

func (r *MemoryJobsRepository) ListJobs(
	_ context.Context,
	filter domain.HistoryFilter,
) ([]domain.Job, int, error) {
	filter = NormalizeHistoryFilter(filter)

	r.mu.RLock()
	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		items = append(items, *cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	if filter.Offset >= total {
		return []domain.Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return items[filter.Offset:end], total, nil
}

func (r *MemoryJobsRepository) RecentCompleted(_ context.Context, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusCompleted {
			items = append(items, *cloneJob(job))
		}
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		left, right := items[i].CompletedAt, items[j].CompletedAt
		if left.Equal(*right) {
			return items[i].ID > items[j].ID
		}
		return left.After(*right)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryJobsRepository) Stats(_ context.Context) (domain.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.Stats
	for _, job := range r.jobs {
		stats.TotalDownloads++
		switch job.Status {
		case domain.JobStatusPending:
			stats.PendingDownloads++
		case domain.JobStatusProcessing:
			stats.ProcessingDownloads++
		case domain.JobStatusCompleted:
			stats.CompletedDownloads++
			stats.TotalDataProcessed += job.ArtifactSize
		case domain.JobStatusFailed:
			stats.FailedDownloads++
		}
	}
	return stats, nil
}

func (r *MemoryJobsRepository) ListExpired(_ context.Context, filter domain.ExpiryFilter) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if matchesExpiry(job, filter) {
			items = append(items, *cloneJob(job))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *MemoryJobsRepository) DeleteJob(_ context.Context, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, jobID)
	return nil
}

func matchesExpiry(job *domain.Job, filter domain.ExpiryFilter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !job.CreatedAt.Before(filter.CreatedBefore) {
		return false
	}
	if !filter.CompletedBefore.IsZero() {
		if job.CompletedAt == nil || !job.CompletedAt.Before(filter.CompletedBefore) {
			return false
		}
	}
	return true
}

func NormalizeHistoryFilter(filter domain.HistoryFilter) domain.HistoryFilter {
	if filter.Limit <= 0 {
		filter.Limit = DefaultHistoryLimit
	}
	if filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
