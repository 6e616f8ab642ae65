package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/config"
	"vibecarding/internal/models"
	"vibecarding/internal/queue"
	"vibecarding/internal/realtime"
	"vibecarding/internal/store"
	"vibecarding/internal/telemetry"
)

// Result is what a handler hands back on success: the persisted result
// payload plus the typed fragments attached to the completion event.
type Result struct {
	Data      map[string]any
	DraftCard *models.DraftCard
	CardData  *models.CardData
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) (Result, error)

// Processor drives the worker execution loop: lease, render, publish, retry.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    *store.Store
	pub      *realtime.Publisher
	handlers map[string]Handler
	workerID string
	logger   zerolog.Logger
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, pub *realtime.Publisher, workerID string, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		pub:      pub,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if job, err := p.store.GetJob(ctx, id); err == nil {
					_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, time.Now(), job.LastError)
				}
				p.logger.Warn().Str("job_id", id).Msg("reclaimed expired lease")
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			_ = p.queue.Ack(ctx, jobID)
			continue
		}
		if job.Status == models.StatusCancelled {
			_ = p.queue.Ack(ctx, jobID)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, nil)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := p.runJob(ctx, job)
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkSuccess(ctx, job.ID, result.Data)
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "render completed")
		p.publish(ctx, models.JobUpdate{
			JobID:     job.ID,
			Status:    models.ClientCompleted,
			Progress:  100,
			DraftCard: result.DraftCard,
			CardData:  result.CardData,
		})
		telemetry.RenderSuccess.Inc()
		p.logger.Info().Str("job_id", job.ID).Str("kind", job.Kind).Msg("job completed")
		return
	}

	attempts := job.Attempts + 1
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, err.Error())

	if attempts >= job.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		_ = p.store.MarkDeadLetter(ctx, job.ID, err.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		// A dead-lettered job is terminal from the client's point of view.
		p.publish(ctx, models.JobUpdate{
			JobID:  job.ID,
			Status: models.ClientFailed,
			Error:  err.Error(),
		})
		telemetry.DeadLetter.Inc()
		p.logger.Error().Err(err).Str("job_id", job.ID).Int("attempts", attempts).Msg("job dead-lettered")
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.RenderFailures.Inc()
	p.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempts", attempts).Dur("backoff", backoff).Msg("job failed; retry scheduled")
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (Result, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Result{}, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

func (p *Processor) publish(ctx context.Context, u models.JobUpdate) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, u); err != nil {
		p.logger.Debug().Err(err).Str("job_id", u.JobID).Msg("publish update")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
