package onboard

import (
	"fmt"
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEvaluatorOption configures the CEL evaluator.
type CELEvaluatorOption func(*celEvaluator)

// CELWithProgramCache wires a ProgramCache into the CEL evaluator.
func CELWithProgramCache(cache ProgramCache) CELEvaluatorOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry wires a FunctionRegistry into the CEL evaluator.
// Registered functions are exposed as unary CEL functions over dyn values.
func CELWithFunctionRegistry(registry *FunctionRegistry) CELEvaluatorOption {
	return func(e *celEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...CELEvaluatorOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	if expression == "" {
		return nil, ruleError(EngineCEL, PhaseCompile, "", "", fmt.Errorf("expression must not be empty"))
	}
	ctx = ctx.withDefaults()
	snapshot := snapshotAsMap(ctx.Snapshot)
	program, err := e.loadOrCompile(expression, snapshotKeys(snapshot))
	if err != nil {
		return nil, err
	}
	return e.run(program, expression, ctx, snapshot)
}

func (e *celEvaluator) Compile(expression string, opts ...CompileOption) (CompiledRule, error) {
	if expression == "" {
		return nil, ruleError(EngineCEL, PhaseCompile, "", "", fmt.Errorf("expression must not be empty"))
	}
	cfg := applyCompileOptions(opts)
	program, err := e.loadOrCompile(expression, cfg.variables)
	if err != nil {
		return nil, err
	}
	return &celCompiledRule{
		evaluator:  e,
		expression: expression,
		program:    program,
	}, nil
}

func (e *celEvaluator) loadOrCompile(expression string, variables []string) (celgo.Program, error) {
	variables = normalizeVariables(variables)
	cacheKey := EngineCEL + ":" + strings.Join(variables, ",") + ":" + expression
	if e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey); ok {
			if program, ok := cached.(celgo.Program); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(variables)
	if err != nil {
		return nil, engineError(EngineCEL, err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, ruleError(EngineCEL, PhaseCompile, expression, "", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, ruleError(EngineCEL, PhaseCompile, expression, "", err)
	}
	if e.cache != nil {
		e.cache.Set(cacheKey, program)
	}
	return program, nil
}

func (e *celEvaluator) buildEnv(variables []string) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("args", celgo.DynType),
		celgo.Variable("metadata", celgo.DynType),
		celgo.Variable("step", celgo.StringType),
	}
	for _, name := range variables {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	if e.registry != nil {
		for _, name := range e.registry.Names() {
			opts = append(opts, celgo.Function(name,
				celgo.Overload(name+"_dyn", []*celgo.Type{celgo.DynType}, celgo.DynType,
					celgo.UnaryBinding(e.unaryBinding(name)),
				),
			))
		}
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) run(program celgo.Program, expression string, ctx RuleContext, snapshot map[string]any) (any, error) {
	activation := map[string]any{
		"now":      ctx.timestamp(),
		"args":     ctx.Args,
		"metadata": ctx.Metadata,
		"step":     string(ctx.Step),
	}
	for key, value := range snapshot {
		activation[key] = value
	}
	out, _, err := program.Eval(activation)
	if err != nil {
		return nil, ruleError(EngineCEL, PhaseEvaluate, expression, ctx.Step, err)
	}
	return out.Value(), nil
}

func (e *celEvaluator) unaryBinding(name string) func(ref.Val) ref.Val {
	return func(value ref.Val) ref.Val {
		result, err := e.registry.Call(name, value.Value())
		if err != nil {
			return types.NewErr("%s", err.Error())
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

type celCompiledRule struct {
	evaluator  *celEvaluator
	expression string
	program    celgo.Program
}

func (r *celCompiledRule) Evaluate(ctx RuleContext) (any, error) {
	if r.evaluator == nil {
		return nil, engineError(EngineCEL, fmt.Errorf("compiled rule missing evaluator"))
	}
	ctx = ctx.withDefaults()
	return r.evaluator.run(r.program, r.expression, ctx, snapshotAsMap(ctx.Snapshot))
}

func snapshotAsMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func snapshotKeys(snapshot map[string]any) []string {
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	return keys
}

var celReservedVariables = map[string]struct{}{
	"now": {}, "args": {}, "metadata": {}, "step": {},
}

func normalizeVariables(variables []string) []string {
	seen := make(map[string]struct{}, len(variables))
	out := make([]string, 0, len(variables))
	for _, name := range variables {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, reserved := celReservedVariables[name]; reserved {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *celEvaluator) engineName() string { return EngineCEL }
