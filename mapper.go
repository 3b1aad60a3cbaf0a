package onboard

import (
	"sort"
)

// Option is one selectable choice of a backend question.
type Option struct {
	ID                 string `json:"id"`
	Label              string `json:"label"`
	AllowsCustomAnswer bool   `json:"allows_custom_answer"`
}

// Question is a backend-defined onboarding question.
type Question struct {
	ID          string   `json:"id"`
	Order       float64  `json:"order"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Options     []Option `json:"options"`
}

// Option returns the option with id.
func (q Question) Option(id string) (Option, bool) {
	for _, opt := range q.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// RuntimeStep is a step definition bound to at most one question.
type RuntimeStep struct {
	StepDefinition
	Question *Question `json:"question,omitempty"`
}

// Bound reports whether a question is attached to the step.
func (s RuntimeStep) Bound() bool {
	return s.Question != nil
}

// Mapping is the result of reconciling a schema with a registry.
type Mapping struct {
	Steps            []RuntimeStep
	QuestionByStepID map[StepID]Question
	// Dropped lists questions left over once every base step was bound.
	Dropped []Question
}

// StaticSteps returns every registry step unbound.
func (r *Registry) StaticSteps() []RuntimeStep {
	steps := make([]RuntimeStep, 0, len(r.steps))
	for _, def := range r.steps {
		steps = append(steps, RuntimeStep{StepDefinition: def})
	}
	return steps
}

// MapQuestions binds questions to registry steps. Questions are visited in
// ascending order; a question claims the step sharing its id when that step is
// still free, otherwise the first free base step. Questions arriving after all
// base steps are taken are reported in Mapping.Dropped. When nothing binds, the
// static registry is returned as the flow. Finish is always last.
func (r *Registry) MapQuestions(questions []Question) Mapping {
	sorted := make([]Question, len(questions))
	copy(sorted, questions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	base := r.BaseSteps()
	used := make(map[StepID]bool, len(base))
	mapping := Mapping{QuestionByStepID: make(map[StepID]Question)}

	for _, question := range sorted {
		def, ok := r.claim(StepID(question.ID), base, used)
		if !ok {
			mapping.Dropped = append(mapping.Dropped, question)
			continue
		}
		bound := question
		mapping.Steps = append(mapping.Steps, RuntimeStep{StepDefinition: def, Question: &bound})
		mapping.QuestionByStepID[def.ID] = bound
	}

	if len(mapping.Steps) == 0 {
		mapping.Steps = r.StaticSteps()
		return mapping
	}
	mapping.Steps = append(mapping.Steps, RuntimeStep{StepDefinition: r.Finish()})
	return mapping
}

func (r *Registry) claim(id StepID, base []StepDefinition, used map[StepID]bool) (StepDefinition, bool) {
	if id != StepFinish && !used[id] {
		if def, ok := r.Lookup(id); ok {
			used[id] = true
			return def, true
		}
	}
	for _, def := range base {
		if !used[def.ID] {
			used[def.ID] = true
			return def, true
		}
	}
	return StepDefinition{}, false
}

// StepIDs reports the step ids of a runtime flow in order.
func StepIDs(steps []RuntimeStep) []StepID {
	ids := make([]StepID, len(steps))
	for i, step := range steps {
		ids[i] = step.ID
	}
	return ids
}
