package media

import (
	"bytes"
	"context"
	"log"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const maxStderrBytes = 8 << 10

// Runner lets tests stub the external tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type ExecRunner struct {
	logger *log.Logger
}

func NewExecRunner(logger *log.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if r.logger != nil {
		if err != nil {
			r.logger.Printf(
				"exec failed cmd=%s duration_ms=%d err=%v stderr=%q",
				name,
				time.Since(start).Milliseconds(),
				err,
				truncate(errb.String(), maxStderrBytes),
			)
		} else {
			r.logger.Printf(
				"exec ok cmd=%s args=%q duration_ms=%d stdout_bytes=%d",
				name,
				strings.Join(args, " "),
				time.Since(start).Milliseconds(),
				out.Len(),
			)
		}
	}
	return out.Bytes(), errb.Bytes(), err
}

// truncate returns valid UTF-8 of at most max bytes plus a marker. Tool
// output is replaced where it is not valid UTF-8 and cut on a rune boundary.
func truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
