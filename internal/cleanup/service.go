package cleanup

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/repository"
)

const (
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultFailedRetention = 24 * time.Hour
	DefaultInterval        = 24 * time.Hour
)

type Config struct {
	ArtifactDir     string
	Retention       time.Duration
	FailedRetention time.Duration
	Interval        time.Duration
}

type Stats struct {
	FilesDeleted   int `json:"files_deleted"`
	RecordsDeleted int `json:"records_deleted"`
	Errors         int `json:"errors"`
}

func (s *Stats) add(other Stats) {
	s.FilesDeleted += other.FilesDeleted
	s.RecordsDeleted += other.RecordsDeleted
	s.Errors += other.Errors
}

type Status struct {
	OldFilesCount        int   `json:"old_files_count"`
	OldFilesSize         int64 `json:"old_files_size"`
	FailedRecordsCount   int64 `json:"failed_records_count"`
	ExpiredRecordsCount  int   `json:"expired_records_count"`
	RetentionDays        int   `json:"retention_days"`
	FailedRetentionHours int   `json:"failed_retention_hours"`
}

// Service reclaims artifacts and records past their retention. Per-item
// failures are counted and never abort a sweep. Artifacts are always removed
// before their record.
type Service struct {
	repo   repository.JobsRepository
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	// runMu serialises sweeps started by the ticker and by manual triggers.
	runMu sync.Mutex
}

func NewService(repo repository.JobsRepository, cfg Config, logger *log.Logger) *Service {
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "uploads"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultFailedRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs one sweep immediately and then one per Interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Service) RunOnce(ctx context.Context) Stats {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var total Stats
	total.add(s.SweepExpired(ctx))
	total.add(s.SweepOrphans(ctx))
	total.add(s.SweepFailed(ctx))

	s.logf(
		"cleanup run files_deleted=%d records_deleted=%d errors=%d",
		total.FilesDeleted,
		total.RecordsDeleted,
		total.Errors,
	)
	return total
}

// SweepExpired removes completed jobs whose completion is older than the
// retention period.
func (s *Service) SweepExpired(ctx context.Context) Stats {
	jobs, err := s.repo.ListExpired(ctx, domain.ExpiryFilter{
		Status:          domain.JobStatusCompleted,
		CompletedBefore: s.now().Add(-s.cfg.Retention),
	})
	if err != nil {
		s.logf("cleanup list expired failed err=%v", err)
		return Stats{Errors: 1}
	}
	return s.reclaim(ctx, jobs)
}

// SweepFailed removes failed jobs created before the failed-job retention.
func (s *Service) SweepFailed(ctx context.Context) Stats {
	jobs, err := s.repo.ListExpired(ctx, domain.ExpiryFilter{
		Status:        domain.JobStatusFailed,
		CreatedBefore: s.now().Add(-s.cfg.FailedRetention),
	})
	if err != nil {
		s.logf("cleanup list failed jobs failed err=%v", err)
		return Stats{Errors: 1}
	}
	return s.reclaim(ctx, jobs)
}

func (s *Service) reclaim(ctx context.Context, jobs []domain.Job) Stats {
	var stats Stats
	for _, job := range jobs {
		if ctx.Err() != nil {
			stats.Errors++
			return stats
		}

		if job.ArtifactPath != "" {
			err := os.Remove(job.ArtifactPath)
			switch {
			case err == nil:
				stats.FilesDeleted++
			case errors.Is(err, os.ErrNotExist):
			default:
				s.logf("cleanup remove artifact failed job_id=%d path=%s err=%v", job.ID, job.ArtifactPath, err)
				stats.Errors++
				continue
			}
		}

		if err := s.repo.DeleteJob(ctx, job.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			s.logf("cleanup delete record failed job_id=%d err=%v", job.ID, err)
			stats.Errors++
			continue
		}
		stats.RecordsDeleted++
	}
	return stats
}

// SweepOrphans removes regular files in the artifact directory whose
// modification time is older than the retention period, whether or not a
// record still references them.
func (s *Service) SweepOrphans(ctx context.Context) Stats {
	var stats Stats
	cutoff := s.now().Add(-s.cfg.Retention)

	err := s.walkOldFiles(cutoff, func(path string, _ os.FileInfo) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logf("cleanup remove file failed path=%s err=%v", path, err)
			stats.Errors++
			return true
		}
		stats.FilesDeleted++
		return true
	})
	if err != nil {
		s.logf("cleanup read artifact dir failed err=%v", err)
		stats.Errors++
	}
	return stats
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	status := Status{
		RetentionDays:        int(s.cfg.Retention / (24 * time.Hour)),
		FailedRetentionHours: int(s.cfg.FailedRetention / time.Hour),
	}

	err := s.walkOldFiles(s.now().Add(-s.cfg.Retention), func(_ string, info os.FileInfo) bool {
		status.OldFilesCount++
		status.OldFilesSize += info.Size()
		return true
	})
	if err != nil {
		s.logf("cleanup status read artifact dir failed err=%v", err)
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	status.FailedRecordsCount = stats.FailedDownloads

	expired, err := s.repo.ListExpired(ctx, domain.ExpiryFilter{
		Status:          domain.JobStatusCompleted,
		CompletedBefore: s.now().Add(-s.cfg.Retention),
	})
	if err != nil {
		return Status{}, err
	}
	status.ExpiredRecordsCount = len(expired)
	return status, nil
}

// walkOldFiles calls visit for every regular file directly inside the
// artifact directory modified before cutoff. visit returns false to stop.
// A missing directory is not an error.
func (s *Service) walkOldFiles(cutoff time.Time, visit func(path string, info os.FileInfo) bool) error {
	entries, err := os.ReadDir(s.cfg.ArtifactDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if !visit(filepath.Join(s.cfg.ArtifactDir, entry.Name()), info) {
			return nil
		}
	}
	return nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
