package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"vibecarding/internal/models"
)

// ErrNotFound is returned when a job or card row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string // optional; generated when empty
	Kind           string
	CohortID       string
	Slot           int
	Type           string
	Priority       string
	Tenant         string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job, and a boolean indicating if an existing job was reused
// via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.Kind == "" {
		p.Kind = models.KindFinal
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, cohort_id, slot, type, priority, tenant, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12)
	`, id, p.Kind, emptyToNil(p.CohortID), p.Slot, p.Type, p.Priority, p.Tenant, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Kind:           p.Kind,
		CohortID:       p.CohortID,
		Slot:           p.Slot,
		Type:           p.Type,
		Priority:       p.Priority,
		Tenant:         p.Tenant,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, kind, cohort_id, slot, type, priority, tenant, payload, status, progress, progress_text, result, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, created_at, updated_at`

// GetJob fetches a job by id. Returns ErrNotFound for unknown IDs.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, err
	}
	return job, nil
}

// CohortJobs returns all jobs belonging to a draft cohort, ordered by slot.
func (s *Store) CohortJobs(ctx context.Context, cohortID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE cohort_id = $1 ORDER BY slot`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("query cohort: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var resultJSON []byte
	var cohort, lastErr, idem, workerID pgtype.Text

	if err := row.Scan(&job.ID, &job.Kind, &cohort, &job.Slot, &job.Type, &job.Priority, &job.Tenant, &payloadJSON, &job.Status, &job.Progress, &job.ProgressText, &resultJSON, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &idem, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if cohort.Valid {
		job.CohortID = cohort.String
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	job.WorkerID = textPtr(workerID)
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// SetProgress records render progress for a running job.
func (s *Store) SetProgress(ctx context.Context, id string, progress int, text string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, progress_text = $3, updated_at = NOW() WHERE id = $1
	`, id, progress, text)
	return err
}

// MarkSuccess transitions a job to succeeded with its render result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 100, result = $3, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded, resultJSON)
	return err
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// MarkDeadLetter flags a job as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// SetWorkerID records which worker leased the job.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1
	`, id, workerID)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// UpdateAttempts updates attempts and next_run_at after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// SaveCard appends a completed card to the tenant's history.
func (s *Store) SaveCard(ctx context.Context, tenant, jobID string, card models.CardData) error {
	id := card.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cards (id, job_id, tenant, title, prompt, front_cover, back_cover, left_page, right_page, thumbnail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO NOTHING
	`, id, jobID, tenant, card.Title, card.Prompt, card.FrontCover, card.BackCover, card.LeftPage, card.RightPage, card.Thumbnail)
	return err
}

// RecentCards lists a tenant's most recent completed cards.
func (s *Store) RecentCards(ctx context.Context, tenant string, limit int) ([]models.CardData, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, prompt, front_cover, back_cover, left_page, right_page, thumbnail, created_at
		FROM cards WHERE tenant = $1 ORDER BY created_at DESC LIMIT $2
	`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	var cards []models.CardData
	for rows.Next() {
		var c models.CardData
		if err := rows.Scan(&c.ID, &c.Title, &c.Prompt, &c.FrontCover, &c.BackCover, &c.LeftPage, &c.RightPage, &c.Thumbnail, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
