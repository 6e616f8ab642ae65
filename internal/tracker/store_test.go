package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)

	form := models.CardForm{CardType: "birthday", To: "Sam", Prompt: "balloons"}
	wiz := models.WizardState{CurrentStep: 3, CompletedSteps: []int{1, 2}}
	st.SaveSession(form, wiz)

	rec := st.Session()
	if rec == nil {
		t.Fatal("expected session to round-trip")
	}
	if rec.FormData.CardType != "birthday" || rec.FormData.To != "Sam" {
		t.Fatalf("form data lost: %+v", rec.FormData)
	}
	if rec.Wizard.CurrentStep != 3 || len(rec.Wizard.CompletedSteps) != 2 {
		t.Fatalf("wizard state lost: %+v", rec.Wizard)
	}

	st.ClearSession()
	if st.Session() != nil {
		t.Fatal("expected session to be gone after clear")
	}
}

func TestExpiredEntryRemovedOnRead(t *testing.T) {
	st := newTestStore(t)
	st.write("session.json", -time.Minute, SessionRecord{FormData: models.CardForm{CardType: "old"}})

	if st.Session() != nil {
		t.Fatal("expected expired session to read as absent")
	}
	if _, err := os.Stat(filepath.Join(st.dir, "session.json")); !os.IsNotExist(err) {
		t.Fatal("expected expired session file to be deleted")
	}
}

func TestStalePendingJobsPruned(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{JobID: "draft-0-live", Kind: models.KindDraft})
	st.write(jobFile("draft-1-stale"), -time.Minute, PendingJob{JobID: "draft-1-stale", Kind: models.KindDraft})

	jobs := st.PendingJobs()
	if len(jobs) != 1 || jobs[0].JobID != "draft-0-live" {
		t.Fatalf("expected only the live snapshot, got %+v", jobs)
	}
	if _, err := os.Stat(filepath.Join(st.dir, jobFile("draft-1-stale"))); !os.IsNotExist(err) {
		t.Fatal("expected stale snapshot file to be deleted")
	}
}

func TestUpdatePendingJobRefreshesProgress(t *testing.T) {
	st := newTestStore(t)
	st.SavePendingJob(PendingJob{JobID: "final-1", Kind: models.KindFinal, LastProgress: 10})

	st.UpdatePendingJob("final-1", models.ClientProcessing, 40, "Rendering artwork")

	jobs := st.PendingJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(jobs))
	}
	if jobs[0].LastProgress != 40 || jobs[0].LastMessage != "Rendering artwork" {
		t.Fatalf("progress not refreshed: %+v", jobs[0])
	}
}

func TestRecentCardsRingCap(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < recentCap+3; i++ {
		st.AddRecentCard(models.CardData{ID: fmt.Sprintf("card-%d", i)})
	}

	cards := st.RecentCards()
	if len(cards) != recentCap {
		t.Fatalf("expected ring capped at %d, got %d", recentCap, len(cards))
	}
	if cards[0].ID != fmt.Sprintf("card-%d", recentCap+2) {
		t.Fatalf("expected newest card first, got %s", cards[0].ID)
	}
}

func TestCorruptStateFileDropped(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(st.dir, "recovery.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if st.Recovery() != nil {
		t.Fatal("expected corrupt recovery to read as absent")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected corrupt file to be deleted")
	}
}
