package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibecarding/internal/models"
)

const saveDebounce = 300 * time.Millisecond

// Notice is a user-facing event raised by the tracker.
type Notice struct {
	Level   string
	Title   string
	Message string
}

// Notifier receives user-facing events: cohort completion, failures, expired
// generations, connection stalls.
type Notifier interface {
	Notify(n Notice)
}

type logNotifier struct {
	logger zerolog.Logger
}

func (l logNotifier) Notify(n Notice) {
	l.logger.Info().Str("level", n.Level).Str("title", n.Title).Msg(n.Message)
}

// NewLogNotifier routes notices to the log.
func NewLogNotifier(logger zerolog.Logger) Notifier {
	return logNotifier{logger: logger}
}

// cohortState accounts for one draft cohort in flight.
type cohortState struct {
	id        string
	drafts    [models.DraftCohortSize]*models.DraftCard
	done      [models.DraftCohortSize]bool
	failed    [models.DraftCohortSize]bool
	announced bool
}

func (c *cohortState) exhausted() bool {
	for _, d := range c.done {
		if !d {
			return false
		}
	}
	return true
}

func (c *cohortState) successCount() int {
	n := 0
	for i, d := range c.done {
		if d && !c.failed[i] {
			n++
		}
	}
	return n
}

func (c *cohortState) draftList() []models.DraftCard {
	var out []models.DraftCard
	for _, d := range c.drafts {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// Tracker owns the client-side generation state: what is in flight, the draft
// cohort, the wizard position, and the local persistence that lets all of it
// survive a restart.
type Tracker struct {
	store  *Store
	api    *APIClient
	socket *Socket
	notify Notifier
	logger zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	form      models.CardForm
	wizard    models.WizardState
	cohort    *cohortState
	finalJob  string
	finalCard *models.CardData
	progress  map[string]int
	expired   map[string]struct{}
	saveTimer *time.Timer
}

// New builds a tracker. wsURL may be empty to run without the realtime
// channel; updates then arrive only through CheckPendingJobs polling.
func New(store *Store, api *APIClient, wsURL string, notify Notifier, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		store:    store,
		api:      api,
		notify:   notify,
		logger:   logger,
		phase:    PhaseIdle,
		wizard:   models.WizardState{CurrentStep: StepCardType},
		progress: make(map[string]int),
		expired:  make(map[string]struct{}),
	}
	if wsURL != "" {
		t.socket = NewSocket(wsURL, t.HandleUpdate, t.reconnectStalled, logger)
	}
	return t
}

// Run serves the realtime channel until ctx is cancelled, then flushes any
// debounced session write.
func (t *Tracker) Run(ctx context.Context) {
	defer t.FlushSession()
	if t.socket == nil {
		<-ctx.Done()
		return
	}
	t.socket.Run(ctx)
}

// StartDrafts submits a draft cohort and begins tracking all of its jobs.
func (t *Tracker) StartDrafts(ctx context.Context, form models.CardForm) ([]string, error) {
	sub, err := t.api.SubmitDrafts(ctx, form)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.form = form
	t.phase = PhaseDraftsInFlight
	t.cohort = &cohortState{id: sub.CohortID}
	t.finalCard = nil
	for _, id := range sub.JobIDs {
		t.progress[id] = 0
	}
	t.wizard = reconcileSteps(t.phase, t.wizard)
	t.scheduleSaveLocked()
	t.mu.Unlock()

	for slot, id := range sub.JobIDs {
		t.store.SavePendingJob(PendingJob{
			JobID:      id,
			Kind:       models.KindDraft,
			CohortID:   sub.CohortID,
			Slot:       slot,
			FormData:   form,
			LastStatus: models.ClientProcessing,
		})
		t.subscribe(id)
	}
	t.store.SaveRecovery(Recovery{CohortID: sub.CohortID, FormData: form})
	return sub.JobIDs, nil
}

// StartFinal submits the full-card render for a chosen draft.
func (t *Tracker) StartFinal(ctx context.Context, draft models.DraftCard, title string) (string, error) {
	t.mu.Lock()
	form := t.form
	t.mu.Unlock()

	jobID, err := t.api.SubmitFinal(ctx, form, draft, title)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.phase = PhaseFinalInFlight
	t.finalJob = jobID
	t.finalCard = nil
	t.progress[jobID] = 0
	t.wizard = reconcileSteps(t.phase, t.wizard)
	t.scheduleSaveLocked()
	t.mu.Unlock()

	t.store.SavePendingJob(PendingJob{
		JobID:      jobID,
		Kind:       models.KindFinal,
		FormData:   form,
		LastStatus: models.ClientProcessing,
	})
	t.store.SaveRecovery(Recovery{JobID: jobID, FormData: form})
	t.subscribe(jobID)
	return jobID, nil
}

// SetForm records wizard form input and debounces a session save.
func (t *Tracker) SetForm(form models.CardForm) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.form = form
	t.scheduleSaveLocked()
}

// SetStep moves the wizard and debounces a session save.
func (t *Tracker) SetStep(step int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wizard.CurrentStep = step
	t.scheduleSaveLocked()
}

// IsGenerating reports whether any generation is still in flight.
func (t *Tracker) IsGenerating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase == PhaseDraftsInFlight || t.phase == PhaseFinalInFlight
}

// Phase returns the current generation phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Form returns the current wizard input.
func (t *Tracker) Form() models.CardForm {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.form
}

// Wizard returns the current wizard position.
func (t *Tracker) Wizard() models.WizardState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wizard
}

// Drafts returns the drafts received so far, in slot order.
func (t *Tracker) Drafts() []models.DraftCard {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cohort == nil {
		return nil
	}
	return t.cohort.draftList()
}

// FinalCard returns the finished card, or nil while it is still rendering.
func (t *Tracker) FinalCard() *models.CardData {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalCard == nil {
		return nil
	}
	card := *t.finalCard
	return &card
}

// Progress returns the last known progress for a job.
func (t *Tracker) Progress(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress[jobID]
}

// SocketState reports the realtime channel state.
func (t *Tracker) SocketState() SocketState {
	if t.socket == nil {
		return SocketDisconnected
	}
	return t.socket.State()
}

// FlushSession writes any pending debounced session save immediately.
func (t *Tracker) FlushSession() {
	t.mu.Lock()
	if t.saveTimer != nil {
		t.saveTimer.Stop()
		t.saveTimer = nil
	}
	form, wiz := t.form, t.wizard
	t.mu.Unlock()
	t.store.SaveSession(form, wiz)
}

// scheduleSaveLocked debounces session persistence so bursts of wizard edits
// collapse into one write. Callers hold t.mu.
func (t *Tracker) scheduleSaveLocked() {
	if t.saveTimer != nil {
		t.saveTimer.Stop()
	}
	form, wiz := t.form, t.wizard
	t.saveTimer = time.AfterFunc(saveDebounce, func() {
		t.store.SaveSession(form, wiz)
	})
}

func (t *Tracker) subscribe(jobID string) {
	if t.socket != nil {
		t.socket.Subscribe(jobID)
	}
}

func (t *Tracker) unsubscribe(jobID string) {
	if t.socket != nil {
		t.socket.Unsubscribe(jobID)
	}
}

// reconnectStalled fires when the realtime channel has been down long enough
// for the backoff to hit its ceiling.
func (t *Tracker) reconnectStalled() {
	t.sendNotice(Notice{
		Level:   "warning",
		Title:   "Connection lost",
		Message: "Live updates are unavailable. Your cards are still being generated and will appear when the connection returns.",
	})
}

func (t *Tracker) sendNotice(n Notice) {
	if t.notify != nil {
		t.notify.Notify(n)
	}
}
