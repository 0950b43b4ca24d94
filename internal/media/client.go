package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/audiodrop-back/internal/domain"
)

const installHint = "yt-dlp is not installed. Please install it first:\n" +
	"Ubuntu/Debian: sudo apt-get install yt-dlp\n" +
	"macOS: brew install yt-dlp\n" +
	"Windows: Download from https://github.com/yt-dlp/yt-dlp/releases"

type Metadata struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Uploader  string  `json:"uploader"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

type AcquireRequest struct {
	JobID   int64
	URL     string
	Quality domain.Quality
	Title   string
}

type Artifact struct {
	Path string
	Size int64
}

// Client is the narrow surface the orchestrator needs from the media tools.
type Client interface {
	ValidateURL(url string) bool
	FetchMetadata(ctx context.Context, url string) (Metadata, error)
	Acquire(ctx context.Context, req AcquireRequest) (Artifact, error)
}

type ToolConfig struct {
	YTDLPBin  string
	FFmpegBin string
	OutputDir string
}

// ToolClient downloads the best audio stream with yt-dlp and transcodes it to
// MP3 with ffmpeg.
type ToolClient struct {
	runner Runner
	cfg    ToolConfig
	logger *log.Logger
}

func NewToolClient(runner Runner, cfg ToolConfig, logger *log.Logger) *ToolClient {
	if cfg.YTDLPBin == "" {
		cfg.YTDLPBin = "yt-dlp"
	}
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "uploads"
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &ToolClient{runner: runner, cfg: cfg, logger: logger}
}

func (c *ToolClient) ValidateURL(url string) bool {
	return ValidateURL(url)
}

// CheckTools reports whether yt-dlp is callable.
func (c *ToolClient) CheckTools(ctx context.Context) error {
	if _, _, err := c.runner.Run(ctx, c.cfg.YTDLPBin, "--version"); err != nil {
		return domain.NewLookupError(installHint, err)
	}
	return nil
}

// CheckFFmpeg reports whether ffmpeg is callable.
func (c *ToolClient) CheckFFmpeg(ctx context.Context) bool {
	_, _, err := c.runner.Run(ctx, c.cfg.FFmpegBin, "-version")
	return err == nil
}

func (c *ToolClient) FetchMetadata(ctx context.Context, url string) (Metadata, error) {
	if err := c.CheckTools(ctx); err != nil {
		return Metadata{}, err
	}

	stdout, stderr, err := c.runner.Run(ctx, c.cfg.YTDLPBin, "--dump-json", "--no-warnings", "-q", "--no-playlist", url)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metadata{}, domain.NewLookupError("Video info request timed out", err)
		}
		detail := truncate(strings.TrimSpace(string(stderr)), maxStderrBytes)
		if strings.Contains(detail, "ERROR") {
			return Metadata{}, domain.NewLookupError("Video not found or unavailable: "+detail, err)
		}
		return Metadata{}, domain.NewLookupError("Error fetching video info: "+detail, err)
	}

	var info struct {
		Title     *string `json:"title"`
		Duration  float64 `json:"duration"`
		Uploader  *string `json:"uploader"`
		Thumbnail string  `json:"thumbnail"`
	}
	if err := json.Unmarshal(stdout, &info); err != nil {
		return Metadata{}, domain.NewLookupError("Invalid response from yt-dlp", err)
	}

	metadata := Metadata{
		Title:     "Unknown",
		Duration:  info.Duration,
		Uploader:  "Unknown",
		Thumbnail: info.Thumbnail,
	}
	if info.Title != nil && strings.TrimSpace(*info.Title) != "" {
		metadata.Title = *info.Title
	}
	if info.Uploader != nil && *info.Uploader != "" {
		metadata.Uploader = *info.Uploader
	}
	return metadata, nil
}

// Acquire fetches the source audio into a temporary file and transcodes it
// into OutputDir. The temporary file is always removed. The returned path
// embeds the job id so every job owns a distinct file.
func (c *ToolClient) Acquire(ctx context.Context, req AcquireRequest) (Artifact, error) {
	bitrate := req.Quality.Bitrate()
	if bitrate == "" {
		return Artifact{}, domain.NewPipelineError(fmt.Sprintf("Invalid quality: %s", req.Quality), nil)
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return Artifact{}, domain.NewPipelineError("Error preparing output directory", err)
	}

	tempBase := filepath.Join(c.cfg.OutputDir, ".tmp-"+uuid.NewString())
	defer c.removeMatching(tempBase + ".*")

	_, stderr, err := c.runner.Run(ctx, c.cfg.YTDLPBin,
		req.URL,
		"-f", "bestaudio/best",
		"--no-playlist",
		"-o", tempBase+".%(ext)s",
		"--quiet",
		"--no-warnings",
	)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, interrupted(ctx, "Download timed out")
		}
		return Artifact{}, domain.NewPipelineError("yt-dlp failed: "+truncate(strings.TrimSpace(string(stderr)), maxStderrBytes), err)
	}

	matches, err := filepath.Glob(tempBase + ".*")
	if err != nil || len(matches) == 0 {
		return Artifact{}, domain.NewPipelineError("Audio file was not downloaded", err)
	}
	input := matches[0]

	output := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%s-%d.mp3", SanitizeFilename(req.Title), req.JobID))
	args := []string{
		"-i", input,
		"-codec:a", "libmp3lame",
		"-b:a", bitrate,
		"-ac", "2",
		"-ar", "44100",
		"-q:a", "0",
	}
	if req.Title != "" {
		args = append(args, "-metadata", "title="+req.Title)
	}
	args = append(args, "-y", output)

	_, stderr, err = c.runner.Run(ctx, c.cfg.FFmpegBin, args...)
	if err != nil {
		_ = os.Remove(output)
		if ctx.Err() != nil {
			return Artifact{}, interrupted(ctx, "FFmpeg conversion timed out")
		}
		return Artifact{}, domain.NewPipelineError("FFmpeg error: "+truncate(strings.TrimSpace(string(stderr)), maxStderrBytes), err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return Artifact{}, domain.NewPipelineError("MP3 file was not created", err)
	}
	if c.logger != nil {
		c.logger.Printf("media acquired job_id=%d path=%s size=%d", req.JobID, output, info.Size())
	}
	return Artifact{Path: output, Size: info.Size()}, nil
}

// interrupted tells a pipeline deadline apart from a cancelled worker.
func interrupted(ctx context.Context, timeoutMessage string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewPipelineError(timeoutMessage, ctx.Err())
	}
	return domain.NewPipelineError("Processing interrupted by shutdown", ctx.Err())
}

func (c *ToolClient) removeMatching(pattern string) {
	matches, _ := filepath.Glob(pattern)
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) && c.logger != nil {
			c.logger.Printf("media temp cleanup failed path=%s err=%v", match, err)
		}
	}
}
