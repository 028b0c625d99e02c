// Package worker runs the embedding pipeline: load a flushed conversation
// record from the ledger, embed its summary, and upsert the vector record
// into the index. The Pool consumes the job queue asynchronously; the
// Processor alone runs the same pipeline inline during flush when the
// deployment is configured without workers.
package worker

import (
	"context"
	"fmt"
	"time"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
	"github.com/cadre-oss/recall/internal/telemetry"
)

// Processor executes one embedding job end to end.
type Processor struct {
	ledger   memory.Ledger
	index    memory.VectorIndex
	embedder memory.Embedder
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewProcessor creates a job processor.
func NewProcessor(ledger memory.Ledger, index memory.VectorIndex, embedder memory.Embedder, logger *telemetry.Logger, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		ledger:   ledger,
		index:    index,
		embedder: embedder,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run loads the job's conversation record, embeds it, and upserts the
// vector. Safe to call any number of times for the same job: the vector
// record is keyed by job id.
func (p *Processor) Run(ctx context.Context, job memory.EmbeddingJob) error {
	start := time.Now()

	rec, err := p.ledger.GetVersion(ctx, job.UserID, job.SessionID, job.Version)
	if err != nil {
		return fmt.Errorf("load record for job %s: %w", job.ID, err)
	}
	if rec.Summary == "" {
		// Nothing to embed; treat as processed so the job is not retried.
		p.logger.Warn("skipping job with empty summary", "job", job.ID)
		return nil
	}

	vector, err := p.embedder.Embed(ctx, rec.Summary)
	if err != nil {
		return fmt.Errorf("embed job %s: %w", job.ID, err)
	}

	err = p.index.Upsert(ctx, memory.VectorRecord{
		JobID:     job.ID,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Version:   rec.Version,
		Vector:    vector,
		Excerpt:   memory.BuildExcerpt(rec.Summary),
		FirstSeq:  rec.FirstSeq(),
		LastSeq:   rec.LastSeq(),
		CreatedAt: rec.FlushedAt,
	})
	if err != nil {
		return fmt.Errorf("index job %s: %w", job.ID, err)
	}

	p.metrics.RecordEmbedDuration(time.Since(start))
	return nil
}

// permanent reports whether the failure can never succeed on retry, such as
// the conversation record being gone from the ledger.
func permanent(err error) bool {
	return recallerrors.IsNotFound(err)
}

var _ memory.JobRunner = (*Processor)(nil)
