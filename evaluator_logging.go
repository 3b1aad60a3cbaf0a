package onboard

import (
	"time"

	"go.uber.org/zap"
)

// Logger is the structured logging surface used across the module. It is
// satisfied by *zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return zap.NewNop().Sugar()
}

// EvaluatorLogEvent describes a rule evaluation attempt for logging.
type EvaluatorLogEvent struct {
	Engine   string
	Expr     string
	Step     StepID
	Duration time.Duration
	Result   any
	Err      error
}

// EvaluatorLogger records evaluator events.
type EvaluatorLogger interface {
	LogEvaluation(EvaluatorLogEvent)
}

// EvaluatorLoggerFunc adapts a function to EvaluatorLogger.
type EvaluatorLoggerFunc func(EvaluatorLogEvent)

// LogEvaluation implements EvaluatorLogger.
func (f EvaluatorLoggerFunc) LogEvaluation(event EvaluatorLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopEvaluatorLogger struct{}

func (noopEvaluatorLogger) LogEvaluation(EvaluatorLogEvent) {}

// NewEvaluatorLogger reports evaluations through logger: failures at warn,
// everything else at debug.
func NewEvaluatorLogger(logger Logger) EvaluatorLogger {
	if logger == nil {
		return noopEvaluatorLogger{}
	}
	return EvaluatorLoggerFunc(func(event EvaluatorLogEvent) {
		fields := []any{
			"engine", event.Engine,
			"expr", event.Expr,
			"step", string(event.Step),
			"duration", event.Duration,
		}
		if event.Err != nil {
			logger.Warnw("onboarding rule evaluation failed", append(fields, "error", event.Err)...)
			return
		}
		logger.Debugw("onboarding rule evaluated", append(fields, "result", event.Result)...)
	})
}
