package session

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vibecarding/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)

	rec := Record{
		FormData: models.CardForm{
			CardType: "birthday",
			Tone:     "funny",
			To:       "Mom",
			Message:  "Happy birthday!",
			Email:    "alice@example.com",
		},
		WizardState: models.WizardState{CurrentStep: 3, CompletedSteps: []int{1, 2}},
	}
	if err := st.SaveSession(ctx, "alice", rec); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := st.GetSession(ctx, "alice")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.FormData != rec.FormData {
		t.Fatalf("form data mismatch: %+v != %+v", got.FormData, rec.FormData)
	}
	if got.WizardState.CurrentStep != 3 || len(got.WizardState.CompletedSteps) != 2 {
		t.Fatalf("wizard state mismatch: %+v", got.WizardState)
	}

	// Expired sessions read back as absent.
	mr.FastForward(SessionTTL + 1)
	got, err = st.GetSession(ctx, "alice")
	if err != nil {
		t.Fatalf("get expired session: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired session to be absent, got %+v", got)
	}
}

func TestRecoveryExpiresBeforeSession(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)

	if err := st.SaveRecovery(ctx, "alice", Recovery{JobID: "draft-0-abc"}); err != nil {
		t.Fatalf("save recovery: %v", err)
	}
	rec, err := st.GetRecovery(ctx, "alice")
	if err != nil || rec == nil || rec.JobID != "draft-0-abc" {
		t.Fatalf("get recovery: rec=%+v err=%v", rec, err)
	}

	mr.FastForward(RecoveryTTL + 1)
	rec, err = st.GetRecovery(ctx, "alice")
	if err != nil {
		t.Fatalf("get expired recovery: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected recovery to expire after %s", RecoveryTTL)
	}
}

func TestRecentCardsRing(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	for i := 0; i < RecentCap+3; i++ {
		card := models.CardData{ID: fmt.Sprintf("card-%d", i), FrontCover: "http://x/front.png"}
		if err := st.AddRecentCard(ctx, "alice", card); err != nil {
			t.Fatalf("add recent card: %v", err)
		}
	}

	cards, err := st.RecentCards(ctx, "alice")
	if err != nil {
		t.Fatalf("recent cards: %v", err)
	}
	if len(cards) != RecentCap {
		t.Fatalf("expected ring capped at %d, got %d", RecentCap, len(cards))
	}
	// Newest first.
	if cards[0].ID != fmt.Sprintf("card-%d", RecentCap+2) {
		t.Fatalf("expected newest card first, got %s", cards[0].ID)
	}
}
