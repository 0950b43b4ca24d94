package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists statuses in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

func ParseJobStatus(value string) (JobStatus, bool) {
	for _, status := range AllJobStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Progress maps a status to a coarse completion percentage. It is a
// heuristic for polling clients, not a measured value.
func (s JobStatus) Progress() int {
	switch s {
	case JobStatusProcessing:
		return 50
	case JobStatusCompleted:
		return 100
	default:
		return 0
	}
}

// Quality is the target MP3 bitrate in kbps.
type Quality string

const DefaultQuality Quality = "192"

var AllowedQualities = []Quality{"128", "192", "256", "320"}

func ParseQuality(value string) (Quality, bool) {
	if value == "" {
		return DefaultQuality, true
	}
	for _, quality := range AllowedQualities {
		if string(quality) == value {
			return quality, true
		}
	}
	return "", false
}

// Bitrate returns the ffmpeg -b:a argument for the quality, or "" when the
// quality is not allowed.
func (q Quality) Bitrate() string {
	if _, ok := ParseQuality(string(q)); !ok || q == "" {
		return ""
	}
	return string(q) + "k"
}

// Job is one download+transcode request and its tracked lifecycle.
type Job struct {
	ID           int64
	SourceURL    string
	Title        string
	Quality      Quality
	Status       JobStatus
	ArtifactPath string
	ArtifactSize int64
	CreatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// DownloadMessage is the transport format sent to queue backends.
type DownloadMessage struct {
	JobID       int64     `json:"job_id"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	Quality     Quality   `json:"quality"`
	RequestedAt time.Time `json:"requested_at"`
}

type HistoryFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// ExpiryFilter selects jobs in Status older than one of the cutoffs.
// A zero cutoff is ignored.
type ExpiryFilter struct {
	Status          JobStatus
	CreatedBefore   time.Time
	CompletedBefore time.Time
}

type Stats struct {
	TotalDownloads      int64 `json:"total_downloads"`
	CompletedDownloads  int64 `json:"completed_downloads"`
	FailedDownloads     int64 `json:"failed_downloads"`
	PendingDownloads    int64 `json:"pending_downloads"`
	ProcessingDownloads int64 `json:"processing_downloads"`
	TotalDataProcessed  int64 `json:"total_data_processed"`
}
