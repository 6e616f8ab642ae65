package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"vibecarding/internal/config"
	"vibecarding/internal/models"
	"vibecarding/internal/realtime"
	"vibecarding/internal/store"
)

const thumbnailWidth = 300

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// CardHandler renders draft variations and final cards. Rendering is
// deterministic from the form input and slot so a retried job reproduces the
// same artwork.
type CardHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
	store      *store.Store
	pub        *realtime.Publisher
	logger     zerolog.Logger
}

// draftJobPayload is the queue payload for type card:drafts.
type draftJobPayload struct {
	CohortID string          `json:"cohort_id"`
	Slot     int             `json:"slot"`
	Form     models.CardForm `json:"form"`
}

// finalJobPayload is the queue payload for type card:final.
type finalJobPayload struct {
	Form  models.CardForm  `json:"form"`
	Draft models.DraftCard `json:"draft"`
	Title string           `json:"title"`
}

// NewCardHandler constructs the handler and chooses an uploader (local or S3).
func NewCardHandler(ctx context.Context, cfg config.Config, st *store.Store, pub *realtime.Publisher, logger zerolog.Logger) (*CardHandler, error) {
	timeout := cfg.PhotoDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.CardOutputDir
	if baseDir == "" {
		baseDir = "./cards"
	}

	var s3Upload uploader
	if cfg.CardS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.CardS3Bucket}
	}

	return &CardHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir, baseURL: strings.TrimRight(cfg.PublicBaseURL, "/") + "/cards"},
		s3:         s3Upload,
		store:      st,
		pub:        pub,
		logger:     logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.CardS3Region),
	}
	if cfg.CardS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.CardS3Endpoint,
					HostnameImmutable: cfg.CardS3PathStyle,
					SigningRegion:     cfg.CardS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.CardS3PathStyle
	}), nil
}

// HandleDraft renders one front-cover variation for a draft cohort slot.
func (h *CardHandler) HandleDraft(ctx context.Context, job models.Job) (Result, error) {
	var payload draftJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return Result{}, err
	}

	h.progress(ctx, job, 10, "Sketching concepts")

	photo, err := h.referencePhoto(ctx, payload.Form.PhotoURL)
	if err != nil {
		return Result{}, err
	}

	size := h.cfg.DraftSize
	if size == 0 {
		size = 512
	}
	front := renderCover(payload.Form, payload.Slot, size, size*3/2, photo)
	h.progress(ctx, job, 45, "Rendering artwork")

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, front, imaging.PNG); err != nil {
		return Result{}, fmt.Errorf("encode draft: %w", err)
	}

	h.progress(ctx, job, 80, "Uploading preview")
	url, err := h.upload(ctx, fmt.Sprintf("drafts/%s/%d.png", payload.CohortID, payload.Slot), buf.Bytes())
	if err != nil {
		return Result{}, err
	}

	draft := &models.DraftCard{
		Slot:       payload.Slot,
		JobID:      job.ID,
		FrontCover: url,
		Prompt:     coverPrompt(payload.Form, payload.Slot),
	}
	return Result{
		Data:      map[string]any{"draft_card": draft},
		DraftCard: draft,
	}, nil
}

// HandleFinal renders the full card: all four print panels plus a thumbnail,
// then records the card in the tenant's history.
func (h *CardHandler) HandleFinal(ctx context.Context, job models.Job) (Result, error) {
	var payload finalJobPayload
	if err := decodePayload(job, &payload); err != nil {
		return Result{}, err
	}

	h.progress(ctx, job, 5, "Preparing the press")

	photo, err := h.referencePhoto(ctx, payload.Form.PhotoURL)
	if err != nil {
		return Result{}, err
	}

	w, ht := h.cfg.FinalWidth, h.cfg.FinalHeight
	if w == 0 {
		w = 1024
	}
	if ht == 0 {
		ht = w * 3 / 2
	}

	slot := payload.Draft.Slot
	front := renderCover(payload.Form, slot, w, ht, photo)
	h.progress(ctx, job, 30, "Rendering front cover")

	back := renderBack(payload.Form, slot, w, ht)
	left := renderInsidePanel(payload.Form, slot, w, ht, false)
	right := renderInsidePanel(payload.Form, slot, w, ht, true)
	h.progress(ctx, job, 55, "Rendering inside pages")

	panels := map[string]image.Image{
		"front": front,
		"back":  back,
		"left":  left,
		"right": right,
	}
	urls := make(map[string]string, len(panels))
	for name, img := range panels {
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
			return Result{}, fmt.Errorf("encode %s panel: %w", name, err)
		}
		url, err := h.upload(ctx, fmt.Sprintf("final/%s/%s.png", job.ID, name), buf.Bytes())
		if err != nil {
			return Result{}, err
		}
		urls[name] = url
	}

	h.progress(ctx, job, 80, "Uploading card")

	thumbBuf := &bytes.Buffer{}
	if err := imaging.Encode(thumbBuf, thumbnail(front), imaging.PNG); err != nil {
		return Result{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbURL, err := h.upload(ctx, fmt.Sprintf("final/%s/thumb.png", job.ID), thumbBuf.Bytes())
	if err != nil {
		return Result{}, err
	}

	title := payload.Title
	if title == "" {
		title = cardTitle(payload.Form)
	}
	card := &models.CardData{
		ID:         job.ID,
		Title:      title,
		Prompt:     payload.Draft.Prompt,
		FrontCover: urls["front"],
		BackCover:  urls["back"],
		LeftPage:   urls["left"],
		RightPage:  urls["right"],
		Thumbnail:  thumbURL,
		CreatedAt:  time.Now().UTC(),
	}

	if h.store != nil {
		if err := h.store.SaveCard(ctx, job.Tenant, job.ID, *card); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record card history")
		}
	}

	return Result{
		Data:     map[string]any{"cardData": card},
		CardData: card,
	}, nil
}

// progress persists and publishes an intermediate progress update. Both paths
// are best effort; a render never fails because a progress write did.
func (h *CardHandler) progress(ctx context.Context, job models.Job, pct int, text string) {
	if h.store != nil {
		if err := h.store.SetProgress(ctx, job.ID, pct, text); err != nil {
			h.logger.Debug().Err(err).Str("job_id", job.ID).Msg("persist progress")
		}
	}
	if h.pub != nil {
		_ = h.pub.Publish(ctx, models.JobUpdate{
			JobID:    job.ID,
			Status:   models.ClientProcessing,
			Progress: pct,
			Message:  text,
		})
	}
}

func (h *CardHandler) referencePhoto(ctx context.Context, url string) (image.Image, error) {
	if url == "" {
		return nil, nil
	}
	data, _, err := h.download(ctx, url)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode reference photo: %w", err)
	}
	return img, nil
}

func (h *CardHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download photo: status %d", resp.StatusCode)
	}

	limit := h.cfg.PhotoMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read photo: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("photo too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (h *CardHandler) upload(ctx context.Context, key string, body []byte) (string, error) {
	key = sanitizeKey(key)
	up := h.local
	if h.s3 != nil {
		up = h.s3
	}
	url, err := up.Upload(ctx, key, body, "image/png")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return url, nil
}

func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// --- rendering ---

var tonePalettes = map[string][][2]color.NRGBA{
	"funny": {
		{{R: 255, G: 183, B: 3, A: 255}, {R: 251, G: 86, B: 7, A: 255}},
		{{R: 255, G: 0, B: 110, A: 255}, {R: 131, G: 56, B: 236, A: 255}},
	},
	"heartfelt": {
		{{R: 255, G: 179, B: 198, A: 255}, {R: 255, G: 133, B: 161, A: 255}},
		{{R: 255, G: 214, B: 165, A: 255}, {R: 255, G: 173, B: 173, A: 255}},
	},
	"formal": {
		{{R: 2, G: 62, B: 138, A: 255}, {R: 3, G: 4, B: 94, A: 255}},
		{{R: 73, G: 80, B: 87, A: 255}, {R: 33, G: 37, B: 41, A: 255}},
	},
}

var defaultPalette = [][2]color.NRGBA{
	{{R: 72, G: 202, B: 228, A: 255}, {R: 0, G: 119, B: 182, A: 255}},
	{{R: 181, G: 234, B: 215, A: 255}, {R: 149, G: 175, B: 192, A: 255}},
}

func seedFor(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func palette(form models.CardForm, slot int) [2]color.NRGBA {
	options, ok := tonePalettes[strings.ToLower(form.Tone)]
	if !ok {
		options = defaultPalette
	}
	seed := seedFor(form.CardType, form.Style, form.Prompt) + uint64(slot)
	return options[seed%uint64(len(options))]
}

// renderCover produces the front-cover artwork: a seeded two-color gradient
// with ribbon bands, optionally blended with the reference photo, framed by a
// paper-white border. Each slot varies the seed so the cohort yields five
// distinct variations.
func renderCover(form models.CardForm, slot, w, h int, photo image.Image) *image.NRGBA {
	pal := palette(form, slot)
	seed := seedFor(form.CardType, form.Tone, form.Style, form.Prompt) + uint64(slot)*7919

	img := gradient(w, h, pal[0], pal[1])
	paintRibbons(img, seed)
	canvas := imaging.Blur(img, 1.2)

	if photo != nil {
		fitted := imaging.Fill(photo, w, h, imaging.Center, imaging.Lanczos)
		canvas = imaging.Overlay(canvas, fitted, image.Pt(0, 0), 0.35)
	}

	switch strings.ToLower(form.Style) {
	case "vintage":
		canvas = imaging.AdjustSaturation(canvas, -30)
		canvas = imaging.AdjustGamma(canvas, 1.1)
	case "vibrant":
		canvas = imaging.AdjustSaturation(canvas, 25)
		canvas = imaging.Sharpen(canvas, 0.8)
	case "minimal":
		canvas = imaging.AdjustSaturation(canvas, -15)
	}

	return frame(canvas, w/40)
}

// renderBack is a muted echo of the cover used for the card's back panel.
func renderBack(form models.CardForm, slot, w, h int) *image.NRGBA {
	pal := palette(form, slot)
	img := gradient(w, h, pal[1], pal[0])
	muted := imaging.AdjustSaturation(imaging.Blur(img, 4), -40)
	return frame(muted, w/40)
}

// renderInsidePanel is the blank interior. The right page carries a faint
// gradient wash where the message prints; the left page stays near-white.
func renderInsidePanel(form models.CardForm, slot, w, h int, right bool) *image.NRGBA {
	cream := color.NRGBA{R: 252, G: 250, B: 245, A: 255}
	if !right {
		return imaging.New(w, h, cream)
	}
	pal := palette(form, slot)
	wash := color.NRGBA{
		R: uint8((int(pal[0].R) + 3*255) / 4),
		G: uint8((int(pal[0].G) + 3*255) / 4),
		B: uint8((int(pal[0].B) + 3*255) / 4),
		A: 255,
	}
	return frame(gradient(w, h, cream, wash), w/40)
}

func gradient(w, h int, top, bottom color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		t := float64(y) / float64(h-1)
		c := color.NRGBA{
			R: lerp(top.R, bottom.R, t),
			G: lerp(top.G, bottom.G, t),
			B: lerp(top.B, bottom.B, t),
			A: 255,
		}
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

// paintRibbons overlays seeded diagonal bands so two cards with the same
// palette still read as different artwork.
func paintRibbons(img *image.NRGBA, seed uint64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	bands := 3 + int(seed%4)
	for i := 0; i < bands; i++ {
		offset := int((seed >> (4 * uint(i))) % uint64(w))
		width := w/12 + int(seed>>(3*uint(i)))%(w/10+1)
		alpha := uint8(28 + (seed>>(2*uint(i)))%40)
		for y := 0; y < h; y++ {
			x0 := (offset + y/2) % (w + width)
			for x := x0 - width; x < x0; x++ {
				if x < 0 || x >= w {
					continue
				}
				c := img.NRGBAAt(x, y)
				c.R = blendChannel(c.R, 255, alpha)
				c.G = blendChannel(c.G, 255, alpha)
				c.B = blendChannel(c.B, 255, alpha)
				img.SetNRGBA(x, y, c)
			}
		}
	}
}

func blendChannel(base, over, alpha uint8) uint8 {
	a := int(alpha)
	return uint8((int(base)*(255-a) + int(over)*a) / 255)
}

// frame pastes the artwork onto a paper-white mat.
func frame(img image.Image, border int) *image.NRGBA {
	b := img.Bounds()
	mat := imaging.New(b.Dx(), b.Dy(), color.NRGBA{R: 250, G: 249, B: 246, A: 255})
	inner := imaging.Resize(img, b.Dx()-2*border, b.Dy()-2*border, imaging.Lanczos)
	return imaging.Paste(mat, inner, image.Pt(border, border))
}

// thumbnail scales a panel down for history listings.
func thumbnail(src image.Image) *image.NRGBA {
	b := src.Bounds()
	if b.Dx() == 0 {
		return imaging.New(1, 1, color.NRGBA{A: 255})
	}
	h := int(float64(b.Dy()) * float64(thumbnailWidth) / float64(b.Dx()))
	if h == 0 {
		h = thumbnailWidth
	}
	dst := image.NewNRGBA(image.Rect(0, 0, thumbnailWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func coverPrompt(form models.CardForm, slot int) string {
	parts := []string{form.CardType}
	if form.Tone != "" {
		parts = append(parts, form.Tone)
	}
	if form.Style != "" {
		parts = append(parts, form.Style)
	}
	if form.Prompt != "" {
		parts = append(parts, form.Prompt)
	}
	return fmt.Sprintf("%s (variation %d)", strings.Join(parts, ", "), slot+1)
}

func cardTitle(form models.CardForm) string {
	kind := titleCase(form.CardType)
	if form.To != "" {
		return fmt.Sprintf("%s card for %s", kind, form.To)
	}
	return kind + " card"
}

func titleCase(s string) string {
	if s == "" {
		return "Greeting"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
	baseURL string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return l.baseURL + "/" + filepath.ToSlash(key), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
