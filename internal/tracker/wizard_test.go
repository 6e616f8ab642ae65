package tracker

import (
	"testing"

	"vibecarding/internal/models"
)

func TestReconcileSteps(t *testing.T) {
	cases := []struct {
		name     string
		phase    Phase
		in       models.WizardState
		wantStep int
		wantDone int
	}{
		{"final in flight pins last step", PhaseFinalInFlight, models.WizardState{CurrentStep: 2}, StepFinal, 4},
		{"final ready pins last step", PhaseFinalReady, models.WizardState{CurrentStep: 1}, StepFinal, 4},
		{"drafts in flight pins selection", PhaseDraftsInFlight, models.WizardState{CurrentStep: 1}, StepDrafts, 3},
		{"drafts ready pins selection", PhaseDraftsReady, models.WizardState{CurrentStep: 2}, StepDrafts, 3},
		{"idle past selection resets", PhaseIdle, models.WizardState{CurrentStep: StepDrafts}, StepCardType, 0},
		{"idle at final resets", PhaseIdle, models.WizardState{CurrentStep: StepFinal, CompletedSteps: []int{1, 2, 3, 4}}, StepCardType, 0},
		{"idle form step kept", PhaseIdle, models.WizardState{CurrentStep: StepStyle, CompletedSteps: []int{1, 2}}, StepStyle, 2},
		{"failed keeps position", PhaseFailed, models.WizardState{CurrentStep: StepDrafts}, StepDrafts, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := reconcileSteps(tc.phase, tc.in)
			if got.CurrentStep != tc.wantStep {
				t.Fatalf("step: expected %d, got %d", tc.wantStep, got.CurrentStep)
			}
			if len(got.CompletedSteps) != tc.wantDone {
				t.Fatalf("completed: expected %d, got %d", tc.wantDone, len(got.CompletedSteps))
			}
		})
	}
}
