package worker

import (
	"bytes"
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"vibecarding/internal/config"
	"vibecarding/internal/models"
)

func newTestHandler(t *testing.T, cfg config.Config) *CardHandler {
	t.Helper()
	h, err := NewCardHandler(context.Background(), cfg, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new card handler: %v", err)
	}
	return h
}

func TestHandleDraftRendersAndUploads(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{
		CardOutputDir: tempDir,
		PublicBaseURL: "http://localhost:8080",
		DraftSize:     64,
	}
	h := newTestHandler(t, cfg)

	job := models.Job{
		ID:     "draft-2-abc",
		Kind:   models.KindDraft,
		Type:   "card:drafts",
		Tenant: "default",
		Payload: map[string]any{
			"cohort_id": "abc",
			"slot":      2,
			"form": map[string]any{
				"cardType": "birthday",
				"tone":     "funny",
				"artStyle": "vibrant",
				"prompt":   "a cat in a party hat",
			},
		},
	}

	result, err := h.HandleDraft(context.Background(), job)
	if err != nil {
		t.Fatalf("handle draft: %v", err)
	}
	if result.DraftCard == nil {
		t.Fatal("expected draft card in result")
	}
	if result.DraftCard.Slot != 2 || result.DraftCard.JobID != "draft-2-abc" {
		t.Fatalf("unexpected draft card identity: %+v", result.DraftCard)
	}
	if !strings.HasPrefix(result.DraftCard.FrontCover, "http://localhost:8080/cards/") {
		t.Fatalf("unexpected front cover url: %s", result.DraftCard.FrontCover)
	}

	path := filepath.Join(tempDir, "drafts", "abc", "2.png")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("draft not written: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 96 {
		t.Fatalf("unexpected draft dimensions: %v", img.Bounds())
	}
}

func TestHandleDraftBlendsReferencePhoto(t *testing.T) {
	photo := imaging.New(40, 40, image.White.C)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, photo, imaging.PNG); err != nil {
		t.Fatalf("encode photo: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	h := newTestHandler(t, config.Config{
		CardOutputDir:        tempDir,
		PublicBaseURL:        "http://localhost:8080",
		DraftSize:            32,
		PhotoDownloadTimeout: 2 * time.Second,
		PhotoMaxBytes:        1024 * 1024,
	})

	job := models.Job{
		ID:   "draft-0-xyz",
		Type: "card:drafts",
		Payload: map[string]any{
			"cohort_id": "xyz",
			"slot":      0,
			"form": map[string]any{
				"cardType":          "thankyou",
				"referenceImageUrl": srv.URL,
			},
		},
	}
	if _, err := h.HandleDraft(context.Background(), job); err != nil {
		t.Fatalf("handle draft with photo: %v", err)
	}
}

func TestDraftVariationsDiffer(t *testing.T) {
	form := models.CardForm{CardType: "birthday", Tone: "heartfelt", Prompt: "roses"}
	a := renderCover(form, 0, 48, 72, nil)
	b := renderCover(form, 1, 48, 72, nil)

	if a.Bounds() != b.Bounds() {
		t.Fatalf("bounds mismatch: %v vs %v", a.Bounds(), b.Bounds())
	}
	same := true
	for y := 0; y < a.Bounds().Dy() && same; y++ {
		for x := 0; x < a.Bounds().Dx(); x++ {
			if a.NRGBAAt(x, y) != b.NRGBAAt(x, y) {
				same = false
				break
			}
		}
	}
	if same {
		t.Fatal("expected different slots to render different artwork")
	}
}

func TestRenderDeterministic(t *testing.T) {
	form := models.CardForm{CardType: "holiday", Tone: "formal", Style: "vintage"}
	a := renderCover(form, 3, 32, 48, nil)
	b := renderCover(form, 3, 32, 48, nil)
	for y := 0; y < a.Bounds().Dy(); y++ {
		for x := 0; x < a.Bounds().Dx(); x++ {
			if a.NRGBAAt(x, y) != b.NRGBAAt(x, y) {
				t.Fatalf("render not deterministic at (%d,%d)", x, y)
			}
		}
	}
}

func TestThumbnailWidth(t *testing.T) {
	src := imaging.New(600, 900, image.Black.C)
	th := thumbnail(src)
	if th.Bounds().Dx() != thumbnailWidth {
		t.Fatalf("expected thumbnail width %d, got %d", thumbnailWidth, th.Bounds().Dx())
	}
	if th.Bounds().Dy() != 450 {
		t.Fatalf("expected aspect preserved, got height %d", th.Bounds().Dy())
	}
}

func TestSanitizeKey(t *testing.T) {
	if got := sanitizeKey("../escape/../../etc/passwd"); strings.Contains(got, "..") {
		// Clean collapses the traversal; whatever remains must stay relative.
		if filepath.IsAbs(got) {
			t.Fatalf("sanitized key is absolute: %s", got)
		}
	}
	if got := sanitizeKey("./drafts/a/b.png"); got != "drafts/a/b.png" {
		t.Fatalf("unexpected key: %s", got)
	}
	if _, err := url.Parse("http://x/" + sanitizeKey("final/j/front.png")); err != nil {
		t.Fatalf("key not url safe: %v", err)
	}
}
