package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job kinds. A draft job renders one low-res front-cover variation; a final
// job renders the full card.
const (
	KindDraft = "draft"
	KindFinal = "final"
)

// Client-facing statuses reported by the job-status endpoint and job_update
// events. The internal lifecycle collapses onto these four values.
const (
	ClientProcessing = "processing"
	ClientCompleted  = "completed"
	ClientFailed     = "failed"
	ClientNotFound   = "not_found"
)

// DraftCohortSize is the number of front-cover variations generated per
// draft request.
const DraftCohortSize = 5

// ClientStatus maps an internal job status onto the client-facing vocabulary.
func ClientStatus(status string) string {
	switch status {
	case StatusSucceeded:
		return ClientCompleted
	case StatusFailed, StatusDeadLetter, StatusCancelled:
		return ClientFailed
	case "":
		return ClientNotFound
	default:
		return ClientProcessing
	}
}

// Job represents a card-generation task persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	CohortID       string         `json:"cohort_id,omitempty"`
	Slot           int            `json:"slot"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Tenant         string         `json:"tenant"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	ProgressText   string         `json:"progress_text,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DraftJobID builds the cohort-derived identifier for a draft slot. The slot
// and cohort are recoverable from the ID alone, which is what lets clients
// treat draft-prefixed jobs as a unit.
func DraftJobID(slot int, cohortID string) string {
	return fmt.Sprintf("draft-%d-%s", slot, cohortID)
}

// IsDraftJobID reports whether the ID names a member of a draft cohort.
func IsDraftJobID(id string) bool {
	return strings.HasPrefix(id, "draft-")
}

// ParseDraftJobID extracts the slot and cohort from a draft job ID.
func ParseDraftJobID(id string) (slot int, cohortID string, ok bool) {
	rest, found := strings.CutPrefix(id, "draft-")
	if !found {
		return 0, "", false
	}
	slotStr, cohort, found := strings.Cut(rest, "-")
	if !found {
		return 0, "", false
	}
	n, err := strconv.Atoi(slotStr)
	if err != nil || n < 0 || n >= DraftCohortSize {
		return 0, "", false
	}
	return n, cohort, true
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
