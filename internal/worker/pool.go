package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadre-oss/recall/internal/memory"
	"github.com/cadre-oss/recall/internal/telemetry"
)

// Pool consumes the job queue with a fixed number of workers. Delivery is
// at-least-once: a job is acknowledged only after its vector is in the
// index, failures are retried with backoff, and jobs that exhaust the
// attempt budget are dead-lettered.
type Pool struct {
	queue       memory.JobQueue
	processor   *Processor
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	size        int
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool of the given size.
func NewPool(queue memory.JobQueue, processor *Processor, size, maxAttempts int, logger *telemetry.Logger, metrics *telemetry.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:       queue,
		processor:   processor,
		logger:      logger,
		metrics:     metrics,
		size:        size,
		maxAttempts: maxAttempts,
	}
}

// Start launches the workers. They run until Stop is called or the parent
// context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		consumer := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(ctx, consumer)
	}
	p.logger.Info("worker pool started", "workers", p.size)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, consumer string) {
	defer p.wg.Done()
	p.metrics.AddActiveWorkers(1)
	defer p.metrics.AddActiveWorkers(-1)

	log := p.logger.WithFields(map[string]interface{}{"consumer": consumer})
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.handle(ctx, log, job)
	}
}

func (p *Pool) handle(ctx context.Context, log *telemetry.Logger, job *memory.EmbeddingJob) {
	jobLog := log.WithFields(map[string]interface{}{
		"job":     job.ID,
		"attempt": job.Attempt,
	})
	if job.TraceID != "" {
		tc := telemetry.ResumeTrace(job.TraceID).WithJob(job.ID)
		ctx = telemetry.ContextWithTrace(ctx, tc)
		jobLog = jobLog.WithFields(map[string]interface{}{"trace_id": job.TraceID})
	}

	err := p.processor.Run(ctx, *job)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
			// The vector is in the index. Redelivery re-runs an idempotent
			// upsert, so losing the ack costs work, not correctness.
			jobLog.Warn("ack failed after successful processing", "error", ackErr)
			return
		}
		p.metrics.IncJobsProcessed()
		jobLog.Info("embedding job processed")
		return
	}

	if permanent(err) {
		p.deadLetter(ctx, jobLog, job, err)
		return
	}

	if job.Attempt >= p.maxAttempts {
		p.deadLetter(ctx, jobLog, job,
			fmt.Errorf("retry budget of %d attempts exhausted: %w", p.maxAttempts, err))
		return
	}

	if nackErr := p.queue.Nack(ctx, job); nackErr != nil {
		jobLog.Warn("nack failed", "error", nackErr)
	}
	p.metrics.IncJobsRetried()
	jobLog.Warn("embedding job failed, will retry", "error", err)
}

func (p *Pool) deadLetter(ctx context.Context, log *telemetry.Logger, job *memory.EmbeddingJob, cause error) {
	if err := p.queue.DeadLetter(ctx, job, cause.Error()); err != nil {
		log.Error("failed to dead-letter job", "error", err, "cause", cause)
		return
	}
	p.metrics.IncJobsDeadLettered()
	p.metrics.Emit("job.dead_lettered", map[string]string{"job": job.ID})
	log.Error("embedding job dead-lettered", "cause", cause)
}
