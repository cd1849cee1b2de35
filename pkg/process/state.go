package process

import (
	"errors"
	"fmt"

	"github.com/docflow-ai/platform/pkg/common/models"
)

// ErrInvalidTransition is returned whenever a requested state change is not
// in the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the single source of truth for the process lifecycle.
// Every state check in the services consults this table.
var transitions = map[models.ProcessState][]models.ProcessState{
	models.StateCreated:           {models.StateQueuedForAnalysis, models.StateCancelled},
	models.StateQueuedForAnalysis: {models.StateAnalyzing, models.StateAnalysisError, models.StateCancelled},
	models.StateAnalyzing:         {models.StateAnalyzed, models.StateAnalysisError, models.StateCancelled},
	models.StateAnalyzed:          {models.StateValidated, models.StateQueuedForAnalysis, models.StateCancelled},
	models.StateValidated:         {models.StateQueuedForFilling, models.StateAnalyzed, models.StateCancelled},
	models.StateQueuedForFilling:  {models.StateFilling, models.StateFillingError, models.StateCancelled},
	models.StateFilling:           {models.StateCompleted, models.StateFillingError, models.StateCancelled},
	models.StateCompleted:         {},
	models.StateAnalysisError:     {models.StateQueuedForAnalysis, models.StateCancelled},
	models.StateFillingError:      {models.StateQueuedForFilling, models.StateValidated, models.StateCancelled},
	models.StateCancelled:         {models.StateCreated},
}

// AllStates lists every lifecycle state.
func AllStates() []models.ProcessState {
	states := make([]models.ProcessState, 0, len(transitions))
	for s := range transitions {
		states = append(states, s)
	}
	return states
}

// IsValidState reports whether s is a known lifecycle state.
func IsValidState(s models.ProcessState) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from current to target is legal.
func CanTransition(current, target models.ProcessState) bool {
	for _, allowed := range transitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with both states)
// when the move is not allowed.
func CheckTransition(current, target models.ProcessState) error {
	if !IsValidState(target) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, target)
	}
	if !CanTransition(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	return nil
}

// phaseActive reports whether the given phase is currently in flight for a
// process in the given state. Only failures reported while the phase is
// queued or running consume an attempt; anything else is a stale or
// retransmitted report.
func phaseActive(phase models.Phase, state models.ProcessState) bool {
	if phase == models.PhaseFilling {
		return state == models.StateQueuedForFilling || state == models.StateFilling
	}
	return state == models.StateQueuedForAnalysis || state == models.StateAnalyzing
}

// retryState is where a below-threshold worker failure sends the process,
// per phase. At or above the attempt budget the phase's error state applies
// instead.
func retryState(phase models.Phase) models.ProcessState {
	if phase == models.PhaseFilling {
		return models.StateQueuedForFilling
	}
	return models.StateQueuedForAnalysis
}

// errorState is the terminal-within-phase state for a phase.
func errorState(phase models.Phase) models.ProcessState {
	if phase == models.PhaseFilling {
		return models.StateFillingError
	}
	return models.StateAnalysisError
}
