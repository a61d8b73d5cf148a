package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/observability"

	"github.com/rs/zerolog"
)

// batchWriter is the flush target; *StateWriter in production.
type batchWriter interface {
	WriteBatch(ctx context.Context, b *Batch) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The coordinator sends on the persist channel with a blocking send, so if
// this worker falls behind the coordinator stalls and no output is lost.
type PersistenceWorker struct {
	writer       batchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return newWorker(NewStateWriter(db), inputChan, batchSize, flushTimeout, metrics, logger)
}

func newWorker(
	w batchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       w,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var batch Batch

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if batch.Len() > 0 {
				if err := pw.flush(context.Background(), &batch); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.Len() > 0 {
					if err := pw.flush(context.Background(), &batch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.Add(output)

			if batch.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, &batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.Reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := pw.flushWithRetry(ctx, &batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.Reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *Batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.Events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Int64("last_sequence", batch.LastSequence()).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, batch); err != nil {
		if pw.metrics != nil {
			stage := "write"
			var we *writeError
			if errors.As(err, &we) {
				stage = we.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.Events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.Events)))
		if seq := batch.LastSequence(); seq >= 0 {
			pw.metrics.PersistLastSequence.Set(float64(seq))
		}
	}
	return nil
}
