package queue

import (
	"context"
	"errors"

	"github.com/iago/audiodrop-back/internal/domain"
)

var ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")

// Handler executes one download message. A returned error means the message
// could not be handled at all; pipeline failures are recorded on the job and
// reported as nil.
type Handler func(context.Context, domain.DownloadMessage) error

// Producer sends download jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.DownloadMessage) error
}

// Consumer receives download jobs and executes handlers. Consume blocks until
// ctx is done or the backend fails.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
