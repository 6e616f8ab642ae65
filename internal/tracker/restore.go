package tracker

import (
	"context"

	"vibecarding/internal/models"
)

// CheckPendingJobs restores state from local snapshots, then reconciles each
// surviving job against the server. Snapshots older than the pending-job
// window were already pruned by the store without any network traffic, and
// the local restore happens before the first poll so progress is on screen
// even if the server is slow or unreachable.
func (t *Tracker) CheckPendingJobs(ctx context.Context) error {
	jobs := t.store.PendingJobs()
	if len(jobs) == 0 {
		t.restoreSession()
		return nil
	}

	t.restoreFromSnapshots(jobs)

	for _, pj := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := t.api.JobStatus(ctx, pj.JobID)
		if err != nil {
			// Transient: keep the snapshot and let the realtime channel
			// catch up when the server is back.
			t.logger.Warn().Err(err).Str("job_id", pj.JobID).Msg("job status poll failed")
			t.subscribe(pj.JobID)
			continue
		}
		switch st.Status {
		case models.ClientNotFound:
			t.handleExpired(pj.JobID)
		case models.ClientCompleted:
			t.HandleUpdate(models.JobUpdate{
				JobID:     pj.JobID,
				Status:    models.ClientCompleted,
				Progress:  100,
				CardData:  st.CardData,
				DraftCard: st.DraftCard,
			})
		case models.ClientFailed:
			t.HandleUpdate(models.JobUpdate{
				JobID:  pj.JobID,
				Status: models.ClientFailed,
				Error:  st.Error,
			})
		default:
			// Still processing. The snapshot progress stands unless the
			// server has moved past it.
			t.mu.Lock()
			if st.Progress > t.progress[pj.JobID] {
				t.progress[pj.JobID] = st.Progress
			}
			t.mu.Unlock()
			t.subscribe(pj.JobID)
		}
	}
	return nil
}

// restoreFromSnapshots rebuilds in-memory tracking from the per-job
// snapshots, before any server round trip.
func (t *Tracker) restoreFromSnapshots(jobs []PendingJob) {
	ds := t.store.DraftSession()
	rec := t.store.Session()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pj := range jobs {
		t.progress[pj.JobID] = pj.LastProgress
		if _, cohortID, ok := models.ParseDraftJobID(pj.JobID); ok {
			if t.cohort == nil || t.cohort.id != cohortID {
				t.cohort = &cohortState{id: cohortID}
			}
			t.phase = PhaseDraftsInFlight
		} else {
			t.finalJob = pj.JobID
			t.phase = PhaseFinalInFlight
		}
		if t.form.CardType == "" {
			t.form = pj.FormData
		}
	}

	// A final render in flight outranks leftover draft snapshots.
	if t.finalJob != "" {
		t.phase = PhaseFinalInFlight
	}

	// Merge drafts that already arrived before the interruption.
	if ds != nil && t.cohort != nil && ds.CohortID == t.cohort.id {
		for _, d := range ds.Drafts {
			if d.Slot >= 0 && d.Slot < models.DraftCohortSize {
				draft := d
				t.cohort.drafts[d.Slot] = &draft
				t.cohort.done[d.Slot] = true
			}
		}
	}

	if rec != nil && t.form.CardType == "" {
		t.form = rec.FormData
	}
	t.wizard = reconcileSteps(t.phase, t.wizard)
}

// restoreSession reloads a stored session when nothing is in flight. The
// stored wizard position is kept as-is for form-entry steps; positions past
// draft selection are inconsistent without an active cohort and reset.
func (t *Tracker) restoreSession() {
	rec := t.store.Session()
	ds := t.store.DraftSession()

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec != nil {
		t.form = rec.FormData
		t.wizard = rec.Wizard
	}
	if ds != nil {
		t.cohort = &cohortState{id: ds.CohortID}
		for _, d := range ds.Drafts {
			if d.Slot >= 0 && d.Slot < models.DraftCohortSize {
				draft := d
				t.cohort.drafts[d.Slot] = &draft
				t.cohort.done[d.Slot] = true
			}
		}
		if t.form.CardType == "" {
			t.form = ds.FormData
		}
		if len(ds.Drafts) > 0 {
			t.cohort.announced = true
			t.phase = PhaseDraftsReady
			t.wizard = reconcileSteps(t.phase, t.wizard)
			return
		}
	}
	t.wizard = reconcileSteps(t.phase, t.wizard)
}
