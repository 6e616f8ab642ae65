package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
)

// Retention windows for locally persisted state. Expired entries are removed
// lazily on the next read, so no background sweeper is needed.
const (
	sessionTTL       = 24 * time.Hour
	draftSessionTTL  = 7 * 24 * time.Hour
	recoveryTTL      = time.Hour
	recentTTL        = 30 * 24 * time.Hour
	pendingJobMaxAge = 5 * time.Minute

	recentCap = 5
)

// SessionRecord is the persisted wizard session: form input plus position.
type SessionRecord struct {
	FormData models.CardForm    `json:"formData"`
	Wizard   models.WizardState `json:"wizardState"`
	SavedAt  time.Time          `json:"savedAt"`
}

// DraftSession keeps the drafts received so far for the active cohort, so a
// partially delivered cohort survives a restart.
type DraftSession struct {
	CohortID string             `json:"cohortId"`
	FormData models.CardForm    `json:"formData"`
	Drafts   []models.DraftCard `json:"drafts"`
	SavedAt  time.Time          `json:"savedAt"`
}

// Recovery points at in-flight work so an interrupted generation can be
// resumed from another run.
type Recovery struct {
	JobID    string          `json:"jobId,omitempty"`
	CohortID string          `json:"cohortId,omitempty"`
	FormData models.CardForm `json:"formData"`
	SavedAt  time.Time       `json:"savedAt"`
}

// PendingJob is the per-job snapshot written while a generation is in flight.
// It carries enough state to restore the progress display without a network
// round trip.
type PendingJob struct {
	JobID        string          `json:"jobId"`
	Kind         string          `json:"kind"`
	CohortID     string          `json:"cohortId,omitempty"`
	Slot         int             `json:"slot"`
	FormData     models.CardForm `json:"formData"`
	LastStatus   string          `json:"lastStatus"`
	LastProgress int             `json:"lastProgress"`
	LastMessage  string          `json:"lastMessage,omitempty"`
	SavedAt      time.Time       `json:"savedAt"`
}

// Store persists tracker state as JSON files under a single directory. All
// operations are best effort: failures are logged and never surfaced to the
// generation flow. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// NewStore creates the state directory if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger}, nil
}

type envelope struct {
	SavedAt   time.Time       `json:"savedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Data      json.RawMessage `json:"data"`
}

func (s *Store) write(name string, ttl time.Duration, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("failed to encode state")
		return
	}
	now := time.Now()
	env, err := json.MarshalIndent(envelope{SavedAt: now, ExpiresAt: now.Add(ttl), Data: data}, "", "  ")
	if err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("failed to encode envelope")
		return
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, env, 0o644); err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("failed to write state")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("failed to replace state")
	}
}

// read loads an entry into v. Expired or unreadable entries are deleted and
// reported as absent.
func (s *Store) read(name string, v any) bool {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("dropping corrupt state file")
		_ = os.Remove(path)
		return false
	}
	if time.Now().After(env.ExpiresAt) {
		_ = os.Remove(path)
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.logger.Warn().Err(err).Str("entry", name).Msg("dropping unreadable state file")
		_ = os.Remove(path)
		return false
	}
	return true
}

func (s *Store) remove(name string) {
	_ = os.Remove(filepath.Join(s.dir, name))
}

// SaveSession persists the wizard session.
func (s *Store) SaveSession(form models.CardForm, wiz models.WizardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write("session.json", sessionTTL, SessionRecord{FormData: form, Wizard: wiz, SavedAt: time.Now()})
}

// Session returns the stored session, or nil when absent or expired.
func (s *Store) Session() *SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec SessionRecord
	if !s.read("session.json", &rec) {
		return nil
	}
	return &rec
}

// ClearSession removes the stored session.
func (s *Store) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove("session.json")
}

// SaveDraftSession persists the drafts delivered so far.
func (s *Store) SaveDraftSession(ds DraftSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds.SavedAt = time.Now()
	s.write("draft-session.json", draftSessionTTL, ds)
}

// DraftSession returns the stored draft cohort, or nil.
func (s *Store) DraftSession() *DraftSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ds DraftSession
	if !s.read("draft-session.json", &ds) {
		return nil
	}
	return &ds
}

// ClearDraftSession removes the stored draft cohort.
func (s *Store) ClearDraftSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove("draft-session.json")
}

// SaveRecovery persists the in-flight generation pointer.
func (s *Store) SaveRecovery(rec Recovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.SavedAt = time.Now()
	s.write("recovery.json", recoveryTTL, rec)
}

// Recovery returns the stored recovery pointer, or nil.
func (s *Store) Recovery() *Recovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec Recovery
	if !s.read("recovery.json", &rec) {
		return nil
	}
	return &rec
}

// ClearRecovery removes the recovery pointer.
func (s *Store) ClearRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove("recovery.json")
}

// AddRecentCard pushes a finished card onto the recent ring, newest first,
// capped at recentCap entries.
func (s *Store) AddRecentCard(card models.CardData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cards []models.CardData
	_ = s.read("recent-cards.json", &cards)
	cards = append([]models.CardData{card}, cards...)
	if len(cards) > recentCap {
		cards = cards[:recentCap]
	}
	s.write("recent-cards.json", recentTTL, cards)
}

// RecentCards returns the recent-card ring, newest first.
func (s *Store) RecentCards() []models.CardData {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cards []models.CardData
	if !s.read("recent-cards.json", &cards) {
		return nil
	}
	return cards
}

// SavePendingJob writes the per-job snapshot, refreshing its age window.
func (s *Store) SavePendingJob(pj PendingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pj.SavedAt = time.Now()
	s.write(jobFile(pj.JobID), pendingJobMaxAge, pj)
}

// UpdatePendingJob refreshes the stored progress for a job. Missing snapshots
// are ignored.
func (s *Store) UpdatePendingJob(jobID, status string, progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pj PendingJob
	if !s.read(jobFile(jobID), &pj) {
		return
	}
	pj.LastStatus = status
	pj.LastProgress = progress
	pj.LastMessage = message
	pj.SavedAt = time.Now()
	s.write(jobFile(jobID), pendingJobMaxAge, pj)
}

// PendingJobs returns the surviving snapshots ordered by save time. Stale
// snapshots are deleted on the way through without touching the network.
func (s *Store) PendingJobs() []PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, "jobs"))
	if err != nil {
		return nil
	}
	var jobs []PendingJob
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var pj PendingJob
		if s.read(filepath.Join("jobs", entry.Name()), &pj) {
			jobs = append(jobs, pj)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SavedAt.Before(jobs[j].SavedAt) })
	return jobs
}

// RemovePendingJob deletes a job snapshot.
func (s *Store) RemovePendingJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(jobFile(jobID))
}

// ClearAll wipes session state: session, draft session, recovery and every
// pending snapshot. The recent-card ring is history, not session state, and
// is kept.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove("session.json")
	s.remove("draft-session.json")
	s.remove("recovery.json")
	entries, err := os.ReadDir(filepath.Join(s.dir, "jobs"))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			s.remove(filepath.Join("jobs", entry.Name()))
		}
	}
}

func jobFile(jobID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, jobID)
	return filepath.Join("jobs", safe+".json")
}
