package queue

import (
	"context"
	"log"
	"sync"

	"github.com/iago/audiodrop-back/internal/domain"
)

// LocalQueue is a fallback queue used when Redis is not configured. Several
// goroutines may Consume concurrently; each message is delivered once.
type LocalQueue struct {
	ch     chan domain.DownloadMessage
	logger *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.DownloadMessage
}

func NewLocalQueue(bufferSize int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalQueue{
		ch:     make(chan domain.DownloadMessage, bufferSize),
		logger: logger,
		dlq:    make([]domain.DownloadMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.DownloadMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- message:
		return nil
	default:
		return ErrQueueBackpressure
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			if err := handler(ctx, message); err != nil {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved message to DLQ job_id=%d err=%v", message.JobID, err)
				}
			}
		}
	}
}

func (q *LocalQueue) Pending() int {
	return len(q.ch)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
