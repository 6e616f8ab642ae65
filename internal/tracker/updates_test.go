package tracker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) withTitle(title string) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Title == title {
			out = append(out, n)
		}
	}
	return out
}

func newTrackingTracker(t *testing.T) (*Tracker, *recordingNotifier) {
	t.Helper()
	st, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	notifier := &recordingNotifier{}
	return New(st, nil, "", notifier, zerolog.Nop()), notifier
}

func startCohort(tr *Tracker, cohortID string) {
	tr.mu.Lock()
	tr.cohort = &cohortState{id: cohortID}
	tr.phase = PhaseDraftsInFlight
	tr.mu.Unlock()
}

func draftCompleted(slot int, cohortID string) models.JobUpdate {
	return models.JobUpdate{
		JobID:  models.DraftJobID(slot, cohortID),
		Status: models.ClientCompleted,
		DraftCard: &models.DraftCard{
			Slot:       slot,
			FrontCover: fmt.Sprintf("http://cards/%s/%d.png", cohortID, slot),
		},
	}
}

func TestCohortCompletionAnnouncesOnce(t *testing.T) {
	tr, notifier := newTrackingTracker(t)
	startCohort(tr, "abc")

	for slot := 0; slot < models.DraftCohortSize; slot++ {
		tr.HandleUpdate(draftCompleted(slot, "abc"))
	}

	if got := len(tr.Drafts()); got != models.DraftCohortSize {
		t.Fatalf("expected %d drafts, got %d", models.DraftCohortSize, got)
	}
	if tr.Phase() != PhaseDraftsReady {
		t.Fatalf("expected drafts ready, got %s", tr.Phase())
	}
	if tr.IsGenerating() {
		t.Fatal("expected generation to be finished")
	}
	if got := notifier.withTitle("Drafts ready"); len(got) != 1 {
		t.Fatalf("expected exactly one cohort notification, got %d", len(got))
	}

	// Duplicate terminal update is a no-op.
	tr.HandleUpdate(draftCompleted(0, "abc"))
	if got := notifier.withTitle("Drafts ready"); len(got) != 1 {
		t.Fatalf("duplicate update re-announced: %d notifications", len(got))
	}
	if got := len(tr.Drafts()); got != models.DraftCohortSize {
		t.Fatalf("duplicate update changed drafts: %d", got)
	}
}

func TestFailedSlotDoesNotEndCohort(t *testing.T) {
	tr, notifier := newTrackingTracker(t)
	startCohort(tr, "abc")

	tr.HandleUpdate(models.JobUpdate{
		JobID:  models.DraftJobID(0, "abc"),
		Status: models.ClientFailed,
		Error:  "render exploded",
	})

	if !tr.IsGenerating() {
		t.Fatal("one failed variation must not end the cohort")
	}
	if len(notifier.notices) != 0 {
		t.Fatalf("no notification until the cohort settles, got %+v", notifier.notices)
	}

	for slot := 1; slot < models.DraftCohortSize; slot++ {
		tr.HandleUpdate(draftCompleted(slot, "abc"))
	}

	if tr.Phase() != PhaseDraftsReady {
		t.Fatalf("expected drafts ready with partial cohort, got %s", tr.Phase())
	}
	if got := len(tr.Drafts()); got != models.DraftCohortSize-1 {
		t.Fatalf("expected %d drafts, got %d", models.DraftCohortSize-1, got)
	}
	notices := notifier.withTitle("Drafts ready")
	if len(notices) != 1 || notices[0].Level != "warning" {
		t.Fatalf("expected one warning announcement, got %+v", notices)
	}
}

func TestAllSlotsFailedAnnouncesFailure(t *testing.T) {
	tr, notifier := newTrackingTracker(t)
	startCohort(tr, "abc")

	for slot := 0; slot < models.DraftCohortSize; slot++ {
		tr.HandleUpdate(models.JobUpdate{
			JobID:  models.DraftJobID(slot, "abc"),
			Status: models.ClientFailed,
		})
	}

	if tr.Phase() != PhaseFailed {
		t.Fatalf("expected failed phase, got %s", tr.Phase())
	}
	if got := notifier.withTitle("Generation failed"); len(got) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(got))
	}
}

func TestFinalCompletedStoresCard(t *testing.T) {
	tr, notifier := newTrackingTracker(t)
	tr.mu.Lock()
	tr.finalJob = "final-123"
	tr.phase = PhaseFinalInFlight
	tr.mu.Unlock()

	tr.HandleUpdate(models.JobUpdate{
		JobID:  "final-123",
		Status: models.ClientCompleted,
		CardData: &models.CardData{
			ID:         "card-1",
			FrontCover: "http://cards/final/front.png",
		},
	})

	if tr.Phase() != PhaseFinalReady {
		t.Fatalf("expected final ready, got %s", tr.Phase())
	}
	card := tr.FinalCard()
	if card == nil || card.FrontCover != "http://cards/final/front.png" {
		t.Fatalf("final card not stored: %+v", card)
	}
	if tr.Wizard().CurrentStep != StepFinal {
		t.Fatalf("wizard not pinned to final step: %+v", tr.Wizard())
	}
	if recent := tr.store.RecentCards(); len(recent) != 1 || recent[0].ID != "card-1" {
		t.Fatalf("card not added to recent ring: %+v", recent)
	}
	if got := notifier.withTitle("Card ready"); len(got) != 1 {
		t.Fatalf("expected one completion notification, got %d", len(got))
	}
	if tr.Progress("final-123") != 100 {
		t.Fatalf("expected progress 100, got %d", tr.Progress("final-123"))
	}
}

func TestFinalFailedNotifies(t *testing.T) {
	tr, notifier := newTrackingTracker(t)
	tr.mu.Lock()
	tr.finalJob = "final-123"
	tr.phase = PhaseFinalInFlight
	tr.mu.Unlock()

	tr.HandleUpdate(models.JobUpdate{JobID: "final-123", Status: models.ClientFailed, Error: "upload failed"})

	if tr.Phase() != PhaseFailed {
		t.Fatalf("expected failed phase, got %s", tr.Phase())
	}
	notices := notifier.withTitle("Generation failed")
	if len(notices) != 1 || notices[0].Level != "error" {
		t.Fatalf("expected one error notification, got %+v", notices)
	}
}

func TestExpiredJobNotifiedOnce(t *testing.T) {
	tr, notifier := newTrackingTracker(t)

	tr.HandleUpdate(models.JobUpdate{JobID: "final-gone", Status: models.ClientNotFound})
	tr.HandleUpdate(models.JobUpdate{JobID: "final-gone", Status: models.ClientNotFound})

	if got := notifier.withTitle("Generation expired"); len(got) != 1 {
		t.Fatalf("expected exactly one expiry notification, got %d", len(got))
	}
}

func TestProgressUpdatesSnapshot(t *testing.T) {
	tr, _ := newTrackingTracker(t)
	tr.store.SavePendingJob(PendingJob{JobID: "final-1", Kind: models.KindFinal})

	tr.HandleUpdate(models.JobUpdate{
		JobID:    "final-1",
		Status:   models.ClientProcessing,
		Progress: 55,
		Message:  "Compositing panels",
	})

	if tr.Progress("final-1") != 55 {
		t.Fatalf("expected progress 55, got %d", tr.Progress("final-1"))
	}
	jobs := tr.store.PendingJobs()
	if len(jobs) != 1 || jobs[0].LastProgress != 55 {
		t.Fatalf("snapshot not refreshed: %+v", jobs)
	}
}
