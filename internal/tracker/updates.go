package tracker

import (
	"fmt"

	"vibecarding/internal/models"
)

// HandleUpdate dispatches one job update by status. Updates are idempotent:
// a duplicate terminal update for a job that already settled is a no-op, and
// repeated progress updates simply overwrite the last value.
func (t *Tracker) HandleUpdate(u models.JobUpdate) {
	switch u.Status {
	case models.ClientProcessing:
		t.handleProgress(u)
	case models.ClientCompleted:
		t.handleCompleted(u)
	case models.ClientFailed:
		t.handleFailed(u)
	case models.ClientNotFound:
		t.handleExpired(u.JobID)
	default:
		t.logger.Warn().Str("job_id", u.JobID).Str("status", u.Status).Msg("unknown update status")
	}
}

func (t *Tracker) handleProgress(u models.JobUpdate) {
	t.mu.Lock()
	t.progress[u.JobID] = u.Progress
	t.mu.Unlock()
	t.store.UpdatePendingJob(u.JobID, models.ClientProcessing, u.Progress, u.Message)
}

func (t *Tracker) handleCompleted(u models.JobUpdate) {
	if slot, cohortID, ok := models.ParseDraftJobID(u.JobID); ok {
		t.draftSettled(u.JobID, slot, cohortID, u.DraftCard, false)
		return
	}

	t.mu.Lock()
	if t.finalJob != "" && u.JobID != t.finalJob {
		t.mu.Unlock()
		t.store.RemovePendingJob(u.JobID)
		t.unsubscribe(u.JobID)
		return
	}
	t.progress[u.JobID] = 100
	if u.CardData != nil {
		card := *u.CardData
		t.finalCard = &card
	}
	t.phase = PhaseFinalReady
	t.wizard = reconcileSteps(t.phase, t.wizard)
	card := t.finalCard
	t.mu.Unlock()

	t.store.RemovePendingJob(u.JobID)
	t.store.ClearRecovery()
	t.unsubscribe(u.JobID)
	if card != nil {
		t.store.AddRecentCard(*card)
	}
	t.sendNotice(Notice{Level: "success", Title: "Card ready", Message: "Your card has finished generating."})
}

func (t *Tracker) handleFailed(u models.JobUpdate) {
	if slot, cohortID, ok := models.ParseDraftJobID(u.JobID); ok {
		t.logger.Warn().Str("job_id", u.JobID).Str("error", u.Error).Msg("draft variation failed")
		t.draftSettled(u.JobID, slot, cohortID, nil, true)
		return
	}

	t.mu.Lock()
	if t.finalJob != "" && u.JobID != t.finalJob {
		t.mu.Unlock()
		t.store.RemovePendingJob(u.JobID)
		t.unsubscribe(u.JobID)
		return
	}
	t.phase = PhaseFailed
	t.mu.Unlock()

	t.store.RemovePendingJob(u.JobID)
	t.unsubscribe(u.JobID)
	msg := "Card generation failed."
	if u.Error != "" {
		msg = fmt.Sprintf("Card generation failed: %s", u.Error)
	}
	t.sendNotice(Notice{Level: "error", Title: "Generation failed", Message: msg})
}

// draftSettled records a terminal update for one cohort slot. A failed slot
// never ends the cohort early: the remaining variations keep generating, and
// the cohort announces exactly once when every slot has settled.
func (t *Tracker) draftSettled(jobID string, slot int, cohortID string, draft *models.DraftCard, failed bool) {
	var announce bool
	var succeeded int
	var drafts []models.DraftCard

	t.mu.Lock()
	c := t.cohort
	if c == nil || c.id != cohortID || c.done[slot] {
		t.mu.Unlock()
		t.store.RemovePendingJob(jobID)
		t.unsubscribe(jobID)
		return
	}
	c.done[slot] = true
	c.failed[slot] = failed
	if !failed {
		t.progress[jobID] = 100
		if draft != nil {
			d := *draft
			d.Slot = slot
			d.JobID = jobID
			c.drafts[slot] = &d
		}
	}
	drafts = c.draftList()
	if c.exhausted() && !c.announced {
		c.announced = true
		announce = true
		succeeded = c.successCount()
		if succeeded > 0 {
			t.phase = PhaseDraftsReady
		} else {
			t.phase = PhaseFailed
		}
		t.wizard = reconcileSteps(t.phase, t.wizard)
	}
	form := t.form
	t.mu.Unlock()

	t.store.RemovePendingJob(jobID)
	t.unsubscribe(jobID)
	t.store.SaveDraftSession(DraftSession{CohortID: cohortID, FormData: form, Drafts: drafts})

	if !announce {
		return
	}
	switch {
	case succeeded == models.DraftCohortSize:
		t.sendNotice(Notice{Level: "success", Title: "Drafts ready", Message: "All five draft variations are ready to choose from."})
	case succeeded > 0:
		t.sendNotice(Notice{
			Level:   "warning",
			Title:   "Drafts ready",
			Message: fmt.Sprintf("%d of %d draft variations are ready; the rest failed.", succeeded, models.DraftCohortSize),
		})
	default:
		t.store.ClearRecovery()
		t.sendNotice(Notice{Level: "error", Title: "Generation failed", Message: "All draft variations failed. Please try again."})
	}
}

// handleExpired drops a job the server no longer knows about. The user is
// told once per job, no matter how many paths report the expiry. An expired
// draft slot runs through the normal cohort accounting so the cohort still
// announces when its last slot settles.
func (t *Tracker) handleExpired(jobID string) {
	t.mu.Lock()
	if _, seen := t.expired[jobID]; seen {
		t.mu.Unlock()
		return
	}
	t.expired[jobID] = struct{}{}
	t.mu.Unlock()

	t.sendNotice(Notice{
		Level:   "warning",
		Title:   "Generation expired",
		Message: "A previous card generation is no longer available. Please start again.",
	})

	if slot, cohortID, ok := models.ParseDraftJobID(jobID); ok {
		t.draftSettled(jobID, slot, cohortID, nil, true)
		return
	}

	t.mu.Lock()
	if jobID == t.finalJob && t.phase == PhaseFinalInFlight {
		t.phase = PhaseIdle
		t.wizard = reconcileSteps(t.phase, t.wizard)
	}
	t.mu.Unlock()
	t.store.RemovePendingJob(jobID)
	t.store.ClearRecovery()
	t.unsubscribe(jobID)
}
