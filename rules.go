package onboard

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Variables every step rule can reference besides now, args, metadata and step.
var ruleVariables = []string{"selected", "count", "custom_text", "answers"}

// ExpressionValidator evaluates a boolean rule expression against the answers
// of the step it guards. Evaluation failures and non-boolean results count as
// unsatisfied.
type ExpressionValidator struct {
	engine   string
	expr     string
	errorKey string
	rule     CompiledRule
	logger   EvaluatorLogger
}

// ExpressionOption configures an ExpressionValidator.
type ExpressionOption func(*ExpressionValidator)

// WithExpressionLogger reports each evaluation to logger.
func WithExpressionLogger(logger EvaluatorLogger) ExpressionOption {
	return func(v *ExpressionValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewExpressionValidator compiles expression with evaluator.
func NewExpressionValidator(evaluator Evaluator, expression, errorKey string, opts ...ExpressionOption) (*ExpressionValidator, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("onboard: expression validator requires an evaluator")
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("onboard: expression validator requires a rule")
	}
	rule, err := evaluator.Compile(expression, WithVariables(ruleVariables...))
	if err != nil {
		return nil, err
	}
	v := &ExpressionValidator{
		engine:   evaluatorEngineName(evaluator),
		expr:     expression,
		errorKey: errorKey,
		rule:     rule,
		logger:   noopEvaluatorLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Validate implements Validator.
func (v *ExpressionValidator) Validate(step StepID, answers Answers) (string, bool) {
	ctx := RuleContext{Snapshot: ruleSnapshot(step, answers), Step: step}
	start := time.Now()
	result, err := v.rule.Evaluate(ctx)
	ok, isBool := result.(bool)
	if err == nil && !isBool {
		err = ruleError(v.engine, PhaseEvaluate, v.expr, step, fmt.Errorf("rule returned %T, want bool", result))
	}
	errorKey := errorKeyOrDefault(v.errorKey, step)
	v.logger.LogEvaluation(EvaluatorLogEvent{
		Engine:   v.engine,
		Expr:     v.expr,
		Step:     step,
		Duration: time.Since(start),
		Result:   result,
		Err:      bindRuleError(err, step, errorKey),
	})
	if err == nil && ok {
		return "", true
	}
	return errorKey, false
}

func ruleSnapshot(step StepID, answers Answers) map[string]any {
	current := answers[step]
	selected := append([]string{}, current.Selected...)
	customText := map[string]string{}
	for id, text := range current.CustomText {
		customText[id] = text
	}
	all := make(map[string]any, len(answers))
	for id, answer := range answers {
		all[string(id)] = map[string]any{
			"selected": append([]string{}, answer.Selected...),
			"count":    countSelected(answer),
		}
	}
	return map[string]any{
		"selected":    selected,
		"count":       countSelected(current),
		"custom_text": customText,
		"answers":     all,
	}
}

// RuleSet is the file form of a validator table.
//
//	engine: expr
//	cache_size: 64
//	steps:
//	  intro:
//	    rule: count >= 1
//	    error_key: onboarding.errors.intro.required
type RuleSet struct {
	Engine    string              `yaml:"engine"`
	CacheSize int                 `yaml:"cache_size"`
	Steps     map[string]StepRule `yaml:"steps"`
}

// StepRule is one step entry of a RuleSet. Engine overrides the set default.
type StepRule struct {
	Rule     string `yaml:"rule"`
	ErrorKey string `yaml:"error_key"`
	Engine   string `yaml:"engine"`
}

// ParseRules decodes a YAML rule set and checks its step ids.
func ParseRules(data []byte) (RuleSet, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return RuleSet{}, fmt.Errorf("onboard: parse rules: %w", err)
	}
	for id, rule := range set.Steps {
		if !IsKnownStepID(id) {
			return RuleSet{}, fmt.Errorf("%w: %q in rules", ErrUnknownStep, id)
		}
		if StepID(id) == StepFinish {
			return RuleSet{}, fmt.Errorf("onboard: finish step cannot carry a rule")
		}
		if strings.TrimSpace(rule.Rule) == "" {
			return RuleSet{}, fmt.Errorf("onboard: empty rule for step %q", id)
		}
	}
	return set, nil
}

// ReadRules parses a rule set from r.
func ReadRules(r io.Reader) (RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return RuleSet{}, fmt.Errorf("onboard: read rules: %w", err)
	}
	return ParseRules(data)
}

// LoadRulesFile parses the rule set stored at path.
func LoadRulesFile(path string) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("onboard: open rules: %w", err)
	}
	defer f.Close()
	return ReadRules(f)
}

type ruleConfig struct {
	cache     ProgramCache
	functions *FunctionRegistry
	logger    EvaluatorLogger
}

// RuleOption configures RuleSet compilation.
type RuleOption func(*ruleConfig)

// WithRuleProgramCache shares cache between every engine of the set.
func WithRuleProgramCache(cache ProgramCache) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.cache = cache
	}
}

// WithRuleFunctions exposes registry to every rule.
func WithRuleFunctions(registry *FunctionRegistry) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.functions = registry
	}
}

// WithRuleLogger reports rule evaluations to logger.
func WithRuleLogger(logger EvaluatorLogger) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.logger = logger
	}
}

// Apply compiles the set and returns base overridden by its rules.
func (s RuleSet) Apply(base Validators, opts ...RuleOption) (Validators, error) {
	cfg := ruleConfig{functions: DefaultFunctions()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.cache == nil {
		cfg.cache = NewLRUProgramCache(s.CacheSize)
	}

	evaluators := map[string]Evaluator{}
	out := base.Clone()
	for id, rule := range s.Steps {
		engine := rule.Engine
		if engine == "" {
			engine = s.Engine
		}
		evaluator, ok := evaluators[engine]
		if !ok {
			var err error
			evaluator, err = NewEvaluator(engine, cfg.cache, cfg.functions)
			if err != nil {
				return nil, err
			}
			evaluators[engine] = evaluator
		}
		validator, err := NewExpressionValidator(evaluator, rule.Rule, rule.ErrorKey, WithExpressionLogger(cfg.logger))
		if err != nil {
			return nil, bindRuleError(err, StepID(id), errorKeyOrDefault(rule.ErrorKey, StepID(id)))
		}
		out[StepID(id)] = validator
	}
	return out, nil
}
