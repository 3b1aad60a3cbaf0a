package onboard

import "fmt"

// Validator decides whether answers satisfy a step. When they do not, it
// returns a translation key describing the failure.
type Validator interface {
	Validate(step StepID, answers Answers) (errorKey string, ok bool)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(step StepID, answers Answers) (string, bool)

// Validate implements Validator.
func (f ValidatorFunc) Validate(step StepID, answers Answers) (string, bool) {
	if f == nil {
		return "", true
	}
	return f(step, answers)
}

// Validators maps each step to the predicate gating forward navigation.
// Steps without an entry are always satisfied.
type Validators map[StepID]Validator

// Check runs the validator registered for step.
func (v Validators) Check(step StepID, answers Answers) (string, bool) {
	validator, ok := v[step]
	if !ok || validator == nil {
		return "", true
	}
	return validator.Validate(step, answers)
}

// Clone returns a shallow copy so callers can register extra steps without
// touching a shared table.
func (v Validators) Clone() Validators {
	out := make(Validators, len(v))
	for id, validator := range v {
		out[id] = validator
	}
	return out
}

// SelectionErrorKey is the translation key used by the built-in validators.
func SelectionErrorKey(step StepID) string {
	return fmt.Sprintf("onboarding.errors.%s.required", step)
}

// MinSelected requires at least n distinct selected options.
func MinSelected(n int, errorKey string) Validator {
	return ValidatorFunc(func(step StepID, answers Answers) (string, bool) {
		if countSelected(answers[step]) >= n {
			return "", true
		}
		return errorKeyOrDefault(errorKey, step), false
	})
}

// ExactlySelected requires exactly n distinct selected options.
func ExactlySelected(n int, errorKey string) Validator {
	return ValidatorFunc(func(step StepID, answers Answers) (string, bool) {
		if countSelected(answers[step]) == n {
			return "", true
		}
		return errorKeyOrDefault(errorKey, step), false
	})
}

// DefaultValidators returns the stock predicate table: intro and priority
// take one or more selections, goal, score and timeline exactly one.
func DefaultValidators() Validators {
	return Validators{
		StepIntro:    MinSelected(1, ""),
		StepGoal:     ExactlySelected(1, ""),
		StepScore:    ExactlySelected(1, ""),
		StepTimeline: ExactlySelected(1, ""),
		StepPriority: MinSelected(1, ""),
	}
}

func errorKeyOrDefault(key string, step StepID) string {
	if key != "" {
		return key
	}
	return SelectionErrorKey(step)
}

func countSelected(answer Answer) int {
	seen := make(map[string]struct{}, len(answer.Selected))
	for _, id := range answer.Selected {
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	return len(seen)
}
