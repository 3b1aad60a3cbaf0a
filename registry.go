package onboard

import (
	"errors"
	"fmt"
)

// StepID identifies one onboarding step.
type StepID string

const (
	StepIntro    StepID = "intro"
	StepGoal     StepID = "goal"
	StepScore    StepID = "score"
	StepTimeline StepID = "timeline"
	StepPriority StepID = "priority"
	StepFinish   StepID = "finish"
)

var knownStepIDs = map[StepID]struct{}{
	StepIntro:    {},
	StepGoal:     {},
	StepScore:    {},
	StepTimeline: {},
	StepPriority: {},
	StepFinish:   {},
}

// IsKnownStepID reports whether id names a member of the StepID enum.
func IsKnownStepID(id string) bool {
	_, ok := knownStepIDs[StepID(id)]
	return ok
}

// StepDefinition is the static description of a step. The *Key fields are
// translation keys, not display text.
type StepDefinition struct {
	ID                StepID `json:"id" yaml:"id"`
	Required          bool   `json:"required" yaml:"required"`
	Order             int    `json:"order" yaml:"order"`
	HeadingKey        string `json:"heading_key,omitempty" yaml:"heading_key,omitempty"`
	DescriptionKey    string `json:"description_key,omitempty" yaml:"description_key,omitempty"`
	SupportingTextKey string `json:"supporting_text_key,omitempty" yaml:"supporting_text_key,omitempty"`
}

var (
	ErrEmptyRegistry   = errors.New("onboard: registry requires at least one step")
	ErrUnknownStep     = errors.New("onboard: unknown step id")
	ErrDuplicateStep   = errors.New("onboard: duplicate step id")
	ErrFinishPlacement = errors.New("onboard: finish must be the last step")
)

// Registry is an immutable, ordered catalog of step definitions.
type Registry struct {
	steps []StepDefinition
	byID  map[StepID]int
}

var defaultRegistry = mustRegistry(
	StepDefinition{ID: StepIntro, Required: true},
	StepDefinition{ID: StepGoal, Required: true},
	StepDefinition{ID: StepScore, Required: true},
	StepDefinition{ID: StepTimeline, Required: true},
	StepDefinition{ID: StepPriority, Required: true},
	StepDefinition{ID: StepFinish},
)

// DefaultRegistry returns the canonical onboarding flow.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// NewRegistry builds a registry from defs in the order given. Order fields are
// rewritten to match position and empty translation keys are derived from the
// step id.
func NewRegistry(defs ...StepDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{
		steps: make([]StepDefinition, 0, len(defs)),
		byID:  make(map[StepID]int, len(defs)),
	}
	for i, def := range defs {
		if !IsKnownStepID(string(def.ID)) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, def.ID)
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, def.ID)
		}
		if def.ID == StepFinish && i != len(defs)-1 {
			return nil, ErrFinishPlacement
		}
		def.Order = i
		if def.ID == StepFinish {
			def.Required = false
		}
		r.byID[def.ID] = i
		r.steps = append(r.steps, withDisplayKeys(def))
	}
	if _, ok := r.byID[StepFinish]; !ok {
		return nil, ErrFinishPlacement
	}
	return r, nil
}

func mustRegistry(defs ...StepDefinition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func withDisplayKeys(def StepDefinition) StepDefinition {
	prefix := "onboarding.steps." + string(def.ID)
	if def.HeadingKey == "" {
		def.HeadingKey = prefix + ".heading"
	}
	if def.DescriptionKey == "" {
		def.DescriptionKey = prefix + ".description"
	}
	if def.SupportingTextKey == "" {
		def.SupportingTextKey = prefix + ".supporting_text"
	}
	return def
}

// AllSteps returns every definition in registry order, finish included.
func (r *Registry) AllSteps() []StepDefinition {
	out := make([]StepDefinition, len(r.steps))
	copy(out, r.steps)
	return out
}

// BaseSteps returns the definitions that can be bound to a question.
func (r *Registry) BaseSteps() []StepDefinition {
	out := make([]StepDefinition, 0, len(r.steps))
	for _, def := range r.steps {
		if def.ID != StepFinish {
			out = append(out, def)
		}
	}
	return out
}

// Lookup returns the definition registered for id.
func (r *Registry) Lookup(id StepID) (StepDefinition, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return StepDefinition{}, false
	}
	return r.steps[idx], true
}

// Finish returns the terminal step definition.
func (r *Registry) Finish() StepDefinition {
	return r.steps[len(r.steps)-1]
}
