package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vibecarding/internal/config"
	"vibecarding/internal/models"
	"vibecarding/internal/session"
	"vibecarding/internal/store"
	"vibecarding/internal/telemetry"
)

// JobStore is the persistence surface the handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	MarkCancelled(ctx context.Context, id string) error
}

// Queue is the enqueue surface the handlers need.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter gates generation requests per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the card-generation API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Queue
	limiter  Limiter
	sessions *session.Store
	hub      http.Handler
	logger   zerolog.Logger
}

// New constructs the API server. hub may be nil when the realtime channel is
// disabled (tests).
func New(cfg config.Config, st JobStore, q Queue, limiter Limiter, sessions *session.Store, hub http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		sessions: sessions,
		hub:      hub,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	// Rendered card files when running with the local uploader.
	if s.cfg.CardOutputDir != "" {
		r.Handle("/cards/*", http.StripPrefix("/cards/", http.FileServer(http.Dir(s.cfg.CardOutputDir))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate-draft-cards-async", s.handleGenerateDrafts)
		r.Post("/generate-card-async", s.handleGenerateFinal)
		r.Get("/job-status/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)

		if s.sessions != nil {
			r.Route("/session/{client}", func(r chi.Router) {
				r.Put("/", s.handleSaveSession)
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleClearSession)
			})
			r.Route("/recovery/{client}", func(r chi.Router) {
				r.Put("/", s.handleSaveRecovery)
				r.Get("/", s.handleGetRecovery)
				r.Delete("/", s.handleClearRecovery)
			})
			r.Route("/recent-cards/{client}", func(r chi.Router) {
				r.Get("/", s.handleRecentCards)
				r.Post("/", s.handleAddRecentCard)
			})
		}
	})

	return r
}

type generateDraftsRequest struct {
	FormData models.CardForm `json:"formData"`
}

type generateDraftsResponse struct {
	Status   string   `json:"status"`
	CohortID string   `json:"cohort_id"`
	JobIDs   []string `json:"job_ids"`
	Message  string   `json:"message"`
}

func (s *Server) handleGenerateDrafts(w http.ResponseWriter, r *http.Request) {
	var req generateDraftsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FormData.CardType == "" {
		http.Error(w, "cardType is required", http.StatusBadRequest)
		return
	}

	if !s.allow(w, r, req.FormData.Email) {
		return
	}

	cohortID := uuid.New().String()
	tenant := tenantFromRequest(r, req.FormData.Email)
	jobIDs := make([]string, 0, models.DraftCohortSize)

	for slot := 0; slot < models.DraftCohortSize; slot++ {
		jobID := models.DraftJobID(slot, cohortID)
		job, _, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
			ID:       jobID,
			Kind:     models.KindDraft,
			CohortID: cohortID,
			Slot:     slot,
			Type:     "card:drafts",
			Priority: "draft",
			Tenant:   tenant,
			Payload: map[string]any{
				"cohort_id": cohortID,
				"slot":      slot,
				"form":      req.FormData,
			},
			RunAt:       time.Now(),
			MaxAttempts: s.cfg.MaxAttempts,
		})
		if err != nil {
			http.Error(w, "failed to create draft jobs", http.StatusInternalServerError)
			return
		}
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, job.NextRunAt); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.EnqueueCounter.Inc()
		jobIDs = append(jobIDs, job.ID)
	}

	_ = s.store.AppendAudit(r.Context(), cohortID, "cohort_enqueued", fmt.Sprintf("tenant=%s jobs=%d", tenant, len(jobIDs)))

	writeJSON(w, http.StatusAccepted, generateDraftsResponse{
		Status:   models.ClientProcessing,
		CohortID: cohortID,
		JobIDs:   jobIDs,
		Message:  "Draft generation started",
	})
}

type generateFinalRequest struct {
	FormData models.CardForm  `json:"formData"`
	Draft    models.DraftCard `json:"draft"`
	Title    string           `json:"title"`
}

type generateFinalResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleGenerateFinal(w http.ResponseWriter, r *http.Request) {
	var req generateFinalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FormData.CardType == "" {
		http.Error(w, "cardType is required", http.StatusBadRequest)
		return
	}
	if req.Draft.FrontCover == "" {
		http.Error(w, "a selected draft is required", http.StatusBadRequest)
		return
	}

	if !s.allow(w, r, req.FormData.Email) {
		return
	}

	tenant := tenantFromRequest(r, req.FormData.Email)
	job, _, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:     models.KindFinal,
		Type:     "card:final",
		Priority: "final",
		Tenant:   tenant,
		Payload: map[string]any{
			"form":  req.FormData,
			"draft": req.Draft,
			"title": req.Title,
		},
		RunAt:       time.Now(),
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, job.NextRunAt); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", fmt.Sprintf("tenant=%s priority=%s", tenant, job.Priority))

	writeJSON(w, http.StatusAccepted, generateFinalResponse{
		Status:  models.ClientProcessing,
		JobID:   job.ID,
		Message: "Card generation started",
	})
}

type jobStatusResponse struct {
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
	CreatedAt int64             `json:"createdAt,omitempty"` // epoch ms
	CardData  *models.CardData  `json:"cardData,omitempty"`
	DraftCard *models.DraftCard `json:"draft_card,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jobStatusResponse{JobID: id, Status: models.ClientNotFound})
			return
		}
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}

	resp := jobStatusResponse{
		JobID:     job.ID,
		Status:    models.ClientStatus(job.Status),
		Progress:  job.Progress,
		Message:   job.ProgressText,
		CreatedAt: job.CreatedAt.UnixMilli(),
	}
	if job.LastError != nil && resp.Status == models.ClientFailed {
		resp.Error = *job.LastError
	}
	resp.DraftCard, resp.CardData = resultFragments(job)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var rec session.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SaveSession(r.Context(), chi.URLParam(r, "client"), rec); err != nil {
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "client"))
	if err != nil {
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearSession(r.Context(), chi.URLParam(r, "client")); err != nil {
		http.Error(w, "failed to clear session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveRecovery(w http.ResponseWriter, r *http.Request) {
	var rec session.Recovery
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SaveRecovery(r.Context(), chi.URLParam(r, "client"), rec); err != nil {
		http.Error(w, "failed to save recovery", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.GetRecovery(r.Context(), chi.URLParam(r, "client"))
	if err != nil {
		http.Error(w, "failed to load recovery", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no recovery", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearRecovery(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearRecovery(r.Context(), chi.URLParam(r, "client")); err != nil {
		http.Error(w, "failed to clear recovery", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.sessions.RecentCards(r.Context(), chi.URLParam(r, "client"))
	if err != nil {
		http.Error(w, "failed to list recent cards", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) handleAddRecentCard(w http.ResponseWriter, r *http.Request) {
	var card models.CardData
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sessions.AddRecentCard(r.Context(), chi.URLParam(r, "client"), card); err != nil {
		http.Error(w, "failed to save card", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// allow runs the rate limiter for the request's client key; writes the
// rejection when the limit is hit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, email string) bool {
	if s.limiter == nil {
		return true
	}
	key := "rl:" + tenantFromRequest(r, email)
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

// resultFragments decodes the persisted render result back into its typed
// pieces for the status response.
func resultFragments(job models.Job) (*models.DraftCard, *models.CardData) {
	if job.Result == nil {
		return nil, nil
	}
	var draft *models.DraftCard
	var card *models.CardData
	if raw, ok := job.Result["draft_card"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			var d models.DraftCard
			if json.Unmarshal(data, &d) == nil {
				draft = &d
			}
		}
	}
	if raw, ok := job.Result["cardData"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			var c models.CardData
			if json.Unmarshal(data, &c) == nil {
				card = &c
			}
		}
	}
	return draft, card
}

func tenantFromRequest(r *http.Request, email string) string {
	if email != "" {
		return strings.ToLower(email)
	}
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
