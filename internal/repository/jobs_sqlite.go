package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix nanoseconds so ordering and cutoff
// comparisons stay numeric.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS downloads (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		source_url    TEXT NOT NULL,
		title         TEXT NOT NULL,
		quality       TEXT NOT NULL DEFAULT '192',
		status        TEXT NOT NULL DEFAULT 'pending',
		artifact_path TEXT UNIQUE,
		artifact_size INTEGER,
		created_at    INTEGER NOT NULL,
		completed_at  INTEGER,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS downloads_status_created_idx ON downloads (status, created_at);
`

const sqliteColumns = `id, source_url, title, quality, status, artifact_path, artifact_size, created_at, completed_at, error_message`

type SQLiteJobsRepository struct {
	db *sql.DB
}

func NewSQLiteJobsRepository(ctx context.Context, path string) (*SQLiteJobsRepository, error) {
	if path == "" {
		path = "audiodrop.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between the worker pool
	// and request handlers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteJobsRepository{db: db}, nil
}

func (r *SQLiteJobsRepository) Close() {
	_ = r.db.Close()
}

func (r *SQLiteJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = domain.JobStatusPending

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (source_url, title, quality, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.SourceURL, job.Title, string(job.Quality), string(job.Status), job.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read download id: %w", err)
	}
	job.ID = id
	return nil
}

func (r *SQLiteJobsRepository) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM downloads WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query download: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) MarkProcessing(ctx context.Context, jobID int64, _ time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = 'processing'
		WHERE id = ? AND status = 'pending'
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return r.checkTransition(ctx, jobID, result)
}

func (r *SQLiteJobsRepository) MarkCompleted(
	ctx context.Context,
	jobID int64,
	artifactPath string,
	artifactSize int64,
	at time.Time,
) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = 'completed', artifact_path = ?, artifact_size = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'
	`, artifactPath, artifactSize, at.UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return r.checkTransition(ctx, jobID, result)
}

func (r *SQLiteJobsRepository) MarkFailed(ctx context.Context, jobID int64, message string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, message, at.UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.checkTransition(ctx, jobID, result)
}

func (r *SQLiteJobsRepository) checkTransition(ctx context.Context, jobID int64, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads WHERE id = ?`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check download: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return domain.ErrInvalidTransition
}

func (r *SQLiteJobsRepository) ListJobs(
	ctx context.Context,
	filter domain.HistoryFilter,
) ([]domain.Job, int, error) {
	filter = NormalizeHistoryFilter(filter)

	baseQuery := "FROM downloads"
	args := make([]any, 0, 3)
	if filter.Status != "" {
		baseQuery += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count downloads: %w", err)
	}

	listQuery := "SELECT " + sqliteColumns + " " + baseQuery + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	listArgs := append(args, filter.Limit, filter.Offset)
	items, err := r.queryJobs(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list downloads: %w", err)
	}
	return items, total, nil
}

func (r *SQLiteJobsRepository) RecentCompleted(ctx context.Context, limit int) ([]domain.Job, error) {
	items, err := r.queryJobs(ctx, `
		SELECT `+sqliteColumns+` FROM downloads
		WHERE status = 'completed'
		ORDER BY completed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent downloads: %w", err)
	}
	return items, nil
}

func (r *SQLiteJobsRepository) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
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
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("iterate download stats: %w", err)
	}
	return stats, nil
}

func (r *SQLiteJobsRepository) ListExpired(ctx context.Context, filter domain.ExpiryFilter) ([]domain.Job, error) {
	query := strings.Builder{}
	query.WriteString("SELECT " + sqliteColumns + " FROM downloads WHERE 1 = 1")

	args := make([]any, 0, 3)
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		query.WriteString(" AND created_at < ?")
		args = append(args, filter.CreatedBefore.UnixNano())
	}
	if !filter.CompletedBefore.IsZero() {
		query.WriteString(" AND completed_at IS NOT NULL AND completed_at < ?")
		args = append(args, filter.CompletedBefore.UnixNano())
	}
	query.WriteString(" ORDER BY id")

	items, err := r.queryJobs(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list expired downloads: %w", err)
	}
	return items, nil
}

func (r *SQLiteJobsRepository) DeleteJob(ctx context.Context, jobID int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteJobsRepository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job          domain.Job
		quality      string
		status       string
		artifactPath sql.NullString
		artifactSize sql.NullInt64
		createdAt    int64
		completedAt  sql.NullInt64
		errorMessage sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&job.Title,
		&quality,
		&status,
		&artifactPath,
		&artifactSize,
		&createdAt,
		&completedAt,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	job.Quality = domain.Quality(quality)
	job.Status = domain.JobStatus(status)
	job.ArtifactPath = artifactPath.String
	job.ArtifactSize = artifactSize.Int64
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	if completedAt.Valid {
		value := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &value
	}
	job.ErrorMessage = errorMessage.String
	return &job, nil
}
