package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vibecarding/internal/models"
)

// APIClient talks to the card-generation REST endpoints.
type APIClient struct {
	baseURL string
	httpc   *http.Client
}

// NewAPIClient builds a client for the given server base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// JobStatus mirrors the job-status response.
type JobStatus struct {
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	CardData  *models.CardData  `json:"cardData,omitempty"`
	DraftCard *models.DraftCard `json:"draft_card,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// JobStatus polls a single job. A 404 is a definitive not_found answer, not an
// error; transport failures and server errors are returned as errors so the
// caller can keep the job and retry later.
func (c *APIClient) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/job-status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("job status %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return JobStatus{JobID: jobID, Status: models.ClientNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, fmt.Errorf("job status %s: http %d", jobID, resp.StatusCode)
	}
	var out JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JobStatus{}, fmt.Errorf("job status %s: decode: %w", jobID, err)
	}
	return out, nil
}

// DraftSubmission is the accepted draft-cohort request.
type DraftSubmission struct {
	CohortID string   `json:"cohort_id"`
	JobIDs   []string `json:"job_ids"`
}

// SubmitDrafts kicks off a cohort of draft variations.
func (c *APIClient) SubmitDrafts(ctx context.Context, form models.CardForm) (DraftSubmission, error) {
	var out DraftSubmission
	err := c.post(ctx, "/api/generate-draft-cards-async", map[string]any{"formData": form}, &out)
	if err != nil {
		return DraftSubmission{}, err
	}
	if len(out.JobIDs) == 0 {
		return DraftSubmission{}, fmt.Errorf("submit drafts: server returned no job ids")
	}
	return out, nil
}

// SubmitFinal kicks off the full-card render for a chosen draft.
func (c *APIClient) SubmitFinal(ctx context.Context, form models.CardForm, draft models.DraftCard, title string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.post(ctx, "/api/generate-card-async", map[string]any{
		"formData": form,
		"draft":    draft,
		"title":    title,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit final: server returned no job id")
	}
	return out.JobID, nil
}

func (c *APIClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
