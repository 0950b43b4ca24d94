package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/queue"
)

const consumeRetryDelay = 2 * time.Second

// Processor runs a fixed number of consumers against the queue. The number
// of consumers bounds how many download pipelines run at once.
type Processor struct {
	consumer    queue.Consumer
	handler     queue.Handler
	concurrency int
	logger      *log.Logger

	wg sync.WaitGroup
}

func NewProcessor(consumer queue.Consumer, handler queue.Handler, concurrency int, logger *log.Logger) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Processor{
		consumer:    consumer,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the consumers and returns immediately. Use Wait to block
// until they exit after ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}(i + 1)
	}
	if p.logger != nil {
		p.logger.Printf("worker pool started concurrency=%d", p.concurrency)
	}
}

func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context, workerID int) {
	handle := p.safeHandler(workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, handle)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("worker consume loop error worker_id=%d err=%v", workerID, err)
		}

		timer := time.NewTimer(consumeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// safeHandler keeps a panicking job from taking its worker down.
func (p *Processor) safeHandler(workerID int) queue.Handler {
	return func(ctx context.Context, message domain.DownloadMessage) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if p.logger != nil {
					p.logger.Printf("worker recovered panic worker_id=%d job_id=%d panic=%v\n%s", workerID, message.JobID, recovered, debug.Stack())
				}
				err = fmt.Errorf("worker panic: %v", recovered)
			}
		}()

		start := time.Now()
		err = p.handler(ctx, message)
		if p.logger != nil {
			p.logger.Printf(
				"job processed worker_id=%d job_id=%d duration_ms=%d err=%v",
				workerID,
				message.JobID,
				time.Since(start).Milliseconds(),
				err,
			)
		}
		return err
	}
}
