package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS downloads (
		id            BIGSERIAL PRIMARY KEY,
		source_url    TEXT NOT NULL,
		title         TEXT NOT NULL,
		quality       TEXT NOT NULL DEFAULT '192',
		status        TEXT NOT NULL DEFAULT 'pending',
		artifact_path TEXT UNIQUE,
		artifact_size BIGINT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at  TIMESTAMPTZ,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS downloads_status_created_idx ON downloads (status, created_at DESC);
`

const postgresColumns = `id, source_url, title, quality, status, artifact_path, artifact_size, created_at, completed_at, error_message`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure pg schema: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = domain.JobStatusPending

	err := r.pool.QueryRow(ctx, `
		INSERT INTO downloads (source_url, title, quality, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, job.SourceURL, job.Title, string(job.Quality), string(job.Status), job.CreatedAt).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM downloads WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query download: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) MarkProcessing(ctx context.Context, jobID int64, _ time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE downloads SET status = 'processing'
		WHERE id = $1 AND status = 'pending'
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return r.checkTransition(ctx, jobID, command.RowsAffected())
}

func (r *PostgresJobsRepository) MarkCompleted(
	ctx context.Context,
	jobID int64,
	artifactPath string,
	artifactSize int64,
	at time.Time,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE downloads
		SET status = 'completed',
			artifact_path = $2,
			artifact_size = $3,
			completed_at = $4
		WHERE id = $1 AND status = 'processing'
	`, jobID, artifactPath, artifactSize, at.UTC())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return r.checkTransition(ctx, jobID, command.RowsAffected())
}

func (r *PostgresJobsRepository) MarkFailed(ctx context.Context, jobID int64, message string, at time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE downloads
		SET status = 'failed',
			error_message = $2,
			completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID, message, at.UTC())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.checkTransition(ctx, jobID, command.RowsAffected())
}

// checkTransition tells a vanished row apart from a row in another status.
func (r *PostgresJobsRepository) checkTransition(ctx context.Context, jobID int64, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM downloads WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check download: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return domain.ErrInvalidTransition
}

func (r *PostgresJobsRepository) ListJobs(
	ctx context.Context,
	filter domain.HistoryFilter,
) ([]domain.Job, int, error) {
	filter = NormalizeHistoryFilter(filter)

	baseQuery := "FROM downloads"
	args := make([]any, 0, 3)
	if filter.Status != "" {
		baseQuery += " WHERE status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count downloads: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		postgresColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.Limit, filter.Offset)
	items, err := r.queryJobs(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list downloads: %w", err)
	}
	return items, total, nil
}

func (r *PostgresJobsRepository) RecentCompleted(ctx context.Context, limit int) ([]domain.Job, error) {
	items, err := r.queryJobs(ctx, `
		SELECT `+postgresColumns+` FROM downloads
		WHERE status = 'completed'
		ORDER BY completed_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent downloads: %w", err)
	}
	return items, nil
}

func (r *PostgresJobsRepository) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(artifact_size), 0)
		FROM downloads
		GROUP BY status
	`)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("download stats: %w", err)
	}
	defer rows.Close()

	var stats domain.Stats
	for rows.Next() {
		var (
			status string
			count  int64
			size   int64
		)
		if err := rows.Scan(&status, &count, &size); err != nil {
			return domain.Stats{}, fmt.Errorf("scan download stats: %w", err)
		}
		accumulateStats(&stats, domain.JobStatus(status), count, size)
	}
	if rows.Err() != nil {
		return domain.Stats{}, fmt.Errorf("iterate download stats: %w", rows.Err())
	}
	return stats, nil
}

func (r *PostgresJobsRepository) ListExpired(ctx context.Context, filter domain.ExpiryFilter) ([]domain.Job, error) {
	query := strings.Builder{}
	query.WriteString("SELECT " + postgresColumns + " FROM downloads WHERE TRUE")

	args := make([]any, 0, 3)
	argIndex := 1
	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if !filter.CreatedBefore.IsZero() {
		query.WriteString(fmt.Sprintf(" AND created_at < $%d", argIndex))
		args = append(args, filter.CreatedBefore.UTC())
		argIndex++
	}
	if !filter.CompletedBefore.IsZero() {
		query.WriteString(fmt.Sprintf(" AND completed_at < $%d", argIndex))
		args = append(args, filter.CompletedBefore.UTC())
		argIndex++
	}
	query.WriteString(" ORDER BY id")

	items, err := r.queryJobs(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list expired downloads: %w", err)
	}
	return items, nil
}

func (r *PostgresJobsRepository) DeleteJob(ctx context.Context, jobID int64) error {
	command, err := r.pool.Exec(ctx, `DELETE FROM downloads WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobsRepository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job          domain.Job
		quality      string
		status       string
		artifactPath *string
		artifactSize *int64
		completedAt  *time.Time
		errorMessage *string
	)
	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&job.Title,
		&quality,
		&status,
		&artifactPath,
		&artifactSize,
		&job.CreatedAt,
		&completedAt,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	job.Quality = domain.Quality(quality)
	job.Status = domain.JobStatus(status)
	if artifactPath != nil {
		job.ArtifactPath = *artifactPath
	}
	if artifactSize != nil {
		job.ArtifactSize = *artifactSize
	}
	if completedAt != nil {
		utc := completedAt.UTC()
		job.CompletedAt = &utc
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	job.CreatedAt = job.CreatedAt.UTC()
	return &job, nil
}

func accumulateStats(stats *domain.Stats, status domain.JobStatus, count, size int64) {
	stats.TotalDownloads += count
	switch status {
	case domain.JobStatusPending:
		stats.PendingDownloads += count
	case domain.JobStatusProcessing:
		stats.ProcessingDownloads += count
	case domain.JobStatusCompleted:
		stats.CompletedDownloads += count
		stats.TotalDataProcessed += size
	case domain.JobStatusFailed:
		stats.FailedDownloads += count
	}
}
