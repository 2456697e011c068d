package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensus-ai/backend/internal/storage/models"
)

type State string

const (
	StateIdle                State = "idle"
	StateQueryingModels      State = "querying_models"
	StateGPTComplete         State = "gpt_complete"
	StateGeminiProComplete   State = "gemini_pro_complete"
	StateGeminiFlashComplete State = "gemini_flash_complete"
	StateEvaluating          State = "evaluating"
	StateComplete            State = "complete"
	StateError               State = "error"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// stage orders states. Model completion states share a stage so they can
// arrive in any order.
var stage = map[State]int{
	StateIdle:                0,
	StateQueryingModels:      1,
	StateGPTComplete:         2,
	StateGeminiProComplete:   2,
	StateGeminiFlashComplete: 2,
	StateEvaluating:          3,
	StateComplete:            4,
}

// ModelState returns the completion state for a provider id.
func ModelState(modelID string) (State, bool) {
	switch modelID {
	case models.ModelGPT:
		return StateGPTComplete, true
	case models.ModelGeminiPro:
		return StateGeminiProComplete, true
	case models.ModelGeminiFlash:
		return StateGeminiFlashComplete, true
	}
	return "", false
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Machine is the forward-only validation state machine. Error is reachable
// from every non-terminal state.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateIdle, onChange: onChange}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}

	fromStage, ok := stage[from]
	if !ok {
		return false
	}
	toStage, ok := stage[to]
	if !ok {
		return false
	}

	if toStage == fromStage {
		return toStage == stage[StateGPTComplete] && from != to
	}
	return toStage > fromStage
}
