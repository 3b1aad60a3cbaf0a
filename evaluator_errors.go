package onboard

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRuleEngine matches every failure of a rule engine, as opposed to a rule
// that ran and was not satisfied.
var ErrRuleEngine = errors.New("onboard: rule engine failure")

// RulePhase is where a step rule failed.
type RulePhase string

const (
	PhaseSetup    RulePhase = "setup"
	PhaseCompile  RulePhase = "compile"
	PhaseEvaluate RulePhase = "evaluate"
)

// EvaluationError reports a step rule that could not be compiled or run.
// ErrorKey is the message key the step falls back to when that happens.
type EvaluationError struct {
	Engine   string
	Phase    RulePhase
	Step     StepID
	Expr     string
	ErrorKey string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("onboard: ")
	if e.Engine != "" {
		b.WriteString(e.Engine)
		b.WriteByte(' ')
	}
	b.WriteString("rule")
	if e.Phase != "" {
		b.WriteByte(' ')
		b.WriteString(string(e.Phase))
	}
	b.WriteString(" failed")
	if e.Step != "" {
		fmt.Fprintf(&b, " on step %q", e.Step)
	}
	if e.Expr != "" {
		fmt.Fprintf(&b, " expr=%q", e.Expr)
	}
	if e.ErrorKey != "" {
		fmt.Fprintf(&b, " error_key=%s", e.ErrorKey)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EvaluationError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{ErrRuleEngine}
	}
	return []error{ErrRuleEngine, e.Err}
}

// engineError reports a failure that happened before any rule was compiled.
func engineError(engine string, err error) error {
	return ruleError(engine, PhaseSetup, "", "", err)
}

// ruleError attaches rule metadata to err. An EvaluationError already in the
// chain only has its empty fields filled.
func ruleError(engine string, phase RulePhase, expr string, step StepID, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		if evalErr.Engine == "" {
			evalErr.Engine = engine
		}
		if evalErr.Phase == "" {
			evalErr.Phase = phase
		}
		if evalErr.Expr == "" {
			evalErr.Expr = expr
		}
		if evalErr.Step == "" {
			evalErr.Step = step
		}
		return evalErr
	}
	return &EvaluationError{
		Engine: engine,
		Phase:  phase,
		Step:   step,
		Expr:   expr,
		Err:    err,
	}
}

// bindRuleError ties err to the step it guards and the error key that step
// reports.
func bindRuleError(err error, step StepID, errorKey string) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		evalErr = &EvaluationError{Err: err}
		err = evalErr
	}
	if evalErr.Step == "" {
		evalErr.Step = step
	}
	if evalErr.ErrorKey == "" {
		evalErr.ErrorKey = errorKey
	}
	return err
}
