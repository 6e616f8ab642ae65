package tracker

import "vibecarding/internal/models"

// Phase is the generation lifecycle the wizard position is reconciled
// against. Exactly one phase holds at a time.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDraftsInFlight
	PhaseDraftsReady
	PhaseFinalInFlight
	PhaseFinalReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraftsInFlight:
		return "drafts_in_flight"
	case PhaseDraftsReady:
		return "drafts_ready"
	case PhaseFinalInFlight:
		return "final_in_flight"
	case PhaseFinalReady:
		return "final_ready"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Wizard steps, in order.
const (
	StepCardType = 1
	StepDetails  = 2
	StepStyle    = 3
	StepDrafts   = 4
	StepFinal    = 5
)

// reconcileSteps moves the wizard to the step the generation phase demands.
// A final render in flight pins the wizard to the last step with every prior
// step marked complete; an active draft cohort pins it to the draft-selection
// step. Idle sessions claiming to be past draft selection are inconsistent
// (there is nothing to select) and reset to the start. Form-entry steps are
// left alone.
func reconcileSteps(phase Phase, ws models.WizardState) models.WizardState {
	switch phase {
	case PhaseFinalInFlight, PhaseFinalReady:
		return models.WizardState{
			CurrentStep:    StepFinal,
			CompletedSteps: []int{StepCardType, StepDetails, StepStyle, StepDrafts},
		}
	case PhaseDraftsInFlight, PhaseDraftsReady:
		return models.WizardState{
			CurrentStep:    StepDrafts,
			CompletedSteps: []int{StepCardType, StepDetails, StepStyle},
		}
	case PhaseIdle:
		if ws.CurrentStep >= StepDrafts {
			return models.WizardState{CurrentStep: StepCardType}
		}
	}
	return ws
}
