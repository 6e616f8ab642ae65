package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
)

func statusServer(t *testing.T, responses map[string]JobStatus) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		id := filepath.Base(r.URL.Path)
		st, ok := responses[id]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(JobStatus{JobID: id, Status: models.ClientNotFound})
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestStaleSnapshotsPrunedWithoutNetwork(t *testing.T) {
	st := newTestStore(t)
	st.write(jobFile("draft-0-old"), -time.Minute, PendingJob{
		JobID: "draft-0-old", Kind: models.KindDraft, SavedAt: time.Now().Add(-10 * time.Minute),
	})

	srv, hits := statusServer(t, nil)
	notifier := &recordingNotifier{}
	tr := New(st, NewAPIClient(srv.URL), "", notifier, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Fatalf("stale snapshot pruning hit the network %d times", n)
	}
	if tr.Phase() != PhaseIdle {
		t.Fatalf("expected idle after prune, got %s", tr.Phase())
	}
	if _, err := os.Stat(filepath.Join(st.dir, jobFile("draft-0-old"))); !os.IsNotExist(err) {
		t.Fatal("expected stale snapshot to be deleted")
	}
	if len(notifier.notices) != 0 {
		t.Fatalf("pruning must be silent, got %+v", notifier.notices)
	}
}

func TestRestoreShowsSnapshotProgressFirst(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{
		JobID:        "final-1",
		Kind:         models.KindFinal,
		FormData:     models.CardForm{CardType: "birthday"},
		LastStatus:   models.ClientProcessing,
		LastProgress: 20,
	})

	// The server lags behind the snapshot; its lower progress must not win.
	srv, _ := statusServer(t, map[string]JobStatus{
		"final-1": {JobID: "final-1", Status: models.ClientProcessing, Progress: 0},
	})
	tr := New(st, NewAPIClient(srv.URL), "", &recordingNotifier{}, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if tr.Progress("final-1") != 20 {
		t.Fatalf("expected snapshot progress 20, got %d", tr.Progress("final-1"))
	}
	if !tr.IsGenerating() || tr.Phase() != PhaseFinalInFlight {
		t.Fatalf("expected final back in flight, got %s", tr.Phase())
	}
	if tr.Form().CardType != "birthday" {
		t.Fatalf("form data not restored: %+v", tr.Form())
	}
	if tr.Wizard().CurrentStep != StepFinal {
		t.Fatalf("wizard not reconciled: %+v", tr.Wizard())
	}
}

func TestRestoreTakesServerProgressWhenAhead(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{
		JobID: "final-2", Kind: models.KindFinal, LastStatus: models.ClientProcessing, LastProgress: 20,
	})

	srv, _ := statusServer(t, map[string]JobStatus{
		"final-2": {JobID: "final-2", Status: models.ClientProcessing, Progress: 70},
	})
	tr := New(st, NewAPIClient(srv.URL), "", &recordingNotifier{}, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if tr.Progress("final-2") != 70 {
		t.Fatalf("expected server progress 70, got %d", tr.Progress("final-2"))
	}
}

func TestRestoreDropsUnknownJobWithOneNotice(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{
		JobID: "final-gone", Kind: models.KindFinal, LastStatus: models.ClientProcessing,
	})

	srv, _ := statusServer(t, nil)
	notifier := &recordingNotifier{}
	tr := New(st, NewAPIClient(srv.URL), "", notifier, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if jobs := st.PendingJobs(); len(jobs) != 0 {
		t.Fatalf("expected snapshot removed, got %+v", jobs)
	}
	if got := notifier.withTitle("Generation expired"); len(got) != 1 {
		t.Fatalf("expected one expiry notification, got %d", len(got))
	}

	// A repeated report of the same expiry stays silent.
	tr.HandleUpdate(models.JobUpdate{JobID: "final-gone", Status: models.ClientNotFound})
	if got := notifier.withTitle("Generation expired"); len(got) != 1 {
		t.Fatalf("expiry notified twice")
	}
}

func TestRestoreCompletedJobFromPoll(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{
		JobID: "final-3", Kind: models.KindFinal, LastStatus: models.ClientProcessing, LastProgress: 80,
	})

	srv, _ := statusServer(t, map[string]JobStatus{
		"final-3": {
			JobID:    "final-3",
			Status:   models.ClientCompleted,
			Progress: 100,
			CardData: &models.CardData{ID: "card-9", FrontCover: "http://cards/9/front.png"},
		},
	})
	notifier := &recordingNotifier{}
	tr := New(st, NewAPIClient(srv.URL), "", notifier, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if tr.Phase() != PhaseFinalReady {
		t.Fatalf("expected final ready, got %s", tr.Phase())
	}
	if card := tr.FinalCard(); card == nil || card.ID != "card-9" {
		t.Fatalf("final card not restored: %+v", card)
	}
	if jobs := st.PendingJobs(); len(jobs) != 0 {
		t.Fatalf("completed job snapshot not removed: %+v", jobs)
	}
}

func TestRestoreSessionWithoutPendingJobs(t *testing.T) {
	st := newTestStore(t)
	st.SaveSession(models.CardForm{CardType: "holiday"}, models.WizardState{CurrentStep: StepStyle, CompletedSteps: []int{1, 2}})

	srv, hits := statusServer(t, nil)
	tr := New(st, NewAPIClient(srv.URL), "", &recordingNotifier{}, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Fatalf("session restore hit the network %d times", n)
	}
	if tr.Form().CardType != "holiday" {
		t.Fatalf("form not restored: %+v", tr.Form())
	}
	if tr.Wizard().CurrentStep != StepStyle {
		t.Fatalf("form-entry step must be kept, got %d", tr.Wizard().CurrentStep)
	}
}

func TestRestoreSessionResetsOrphanedSelectionStep(t *testing.T) {
	st := newTestStore(t)
	st.SaveSession(models.CardForm{CardType: "holiday"}, models.WizardState{CurrentStep: StepDrafts, CompletedSteps: []int{1, 2, 3}})

	srv, _ := statusServer(t, nil)
	tr := New(st, NewAPIClient(srv.URL), "", &recordingNotifier{}, zerolog.Nop())

	if err := tr.CheckPendingJobs(context.Background()); err != nil {
		t.Fatalf("check pending jobs: %v", err)
	}
	if tr.Wizard().CurrentStep != StepCardType {
		t.Fatalf("selection step without drafts must reset, got %d", tr.Wizard().CurrentStep)
	}
}
