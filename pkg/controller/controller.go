// Package controller drives one onboarding session: it fetches the schema,
// binds it to the step registry, walks the state machine and submits the
// collected answers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/activity"
	"github.com/goliatone/go-onboarding/pkg/backend"
)

// DefaultRedirect is returned after a successful submission when the backend
// does not name a destination.
const DefaultRedirect = "/dashboard"

var (
	ErrNotLoaded             = errors.New("controller: onboarding flow not loaded")
	ErrSuperseded            = errors.New("controller: schema fetch superseded")
	ErrValidation            = errors.New("controller: step validation failed")
	ErrNothingToSubmit       = errors.New("controller: nothing to submit")
	ErrSubmitInProgress      = errors.New("controller: submission in progress")
	ErrSchemaVersionConflict = errors.New("controller: schema version conflict")
	ErrSubmitFailed          = errors.New("controller: submission failed")
	ErrCompleted             = errors.New("controller: onboarding already submitted")
)

// ValidationError reports a forward transition blocked by the step validator.
type ValidationError struct {
	Step     onboard.StepID
	ErrorKey string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("controller: step %q: %s", e.Step, e.ErrorKey)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Backend is the remote side of the flow. *backend.Client satisfies it.
type Backend interface {
	FetchSchema(ctx context.Context) (backend.Schema, error)
	Submit(ctx context.Context, req backend.SubmitRequest) (backend.SubmitResponse, error)
}

// Identity attributes activity events to a user and session.
type Identity struct {
	ActorID   string
	UserID    string
	TenantID  string
	SessionID string
}

// LoadRequest carries the page query. Step is the 1-based step parameter; zero
// means absent.
type LoadRequest struct {
	Step int
}

// View is the read-only projection rendered by callers.
type View struct {
	Answers          onboard.Answers     `json:"answers"`
	CurrentStep      onboard.RuntimeStep `json:"current_step"`
	CurrentStepIndex int                 `json:"current_step_index"`
	TotalSteps       int                 `json:"total_steps"`
	CanNext          bool                `json:"can_next"`
	StepErrorKey     string              `json:"step_error_key,omitempty"`
	IsTerminal       bool                `json:"is_terminal"`
	Step             int                 `json:"step"`
	SchemaVersion    string              `json:"schema_version,omitempty"`
	Submitting       bool                `json:"submitting"`
	Completed        bool                `json:"completed"`
}

// SubmitResult describes an accepted submission.
type SubmitResult struct {
	Redirect       string `json:"redirect"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Outcome is the result of Advance. Submission is set when the terminal step
// was submitted.
type Outcome struct {
	View       View          `json:"view"`
	Submission *SubmitResult `json:"submission,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry replaces onboard.DefaultRegistry.
func WithRegistry(registry *onboard.Registry) Option {
	return func(c *Controller) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithStorage persists machine progress to storage.
func WithStorage(storage onboard.Storage) Option {
	return func(c *Controller) {
		c.storage = storage
	}
}

// WithStorageKey overrides onboard.DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(c *Controller) {
		c.storageKey = key
	}
}

// WithValidators replaces onboard.DefaultValidators.
func WithValidators(validators onboard.Validators) Option {
	return func(c *Controller) {
		c.validators = validators
	}
}

// WithLogger sets the controller and machine logger.
func WithLogger(logger onboard.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmitter publishes activity events through emitter.
func WithEmitter(emitter *activity.Emitter) Option {
	return func(c *Controller) {
		c.emitter = emitter
	}
}

// WithIdentity attributes activity events.
func WithIdentity(identity Identity) Option {
	return func(c *Controller) {
		c.identity = identity
	}
}

// WithMetrics records counters to metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// WithRedirect overrides DefaultRedirect.
func WithRedirect(path string) Option {
	return func(c *Controller) {
		if path != "" {
			c.redirect = path
		}
	}
}

// WithIdempotencyKeys replaces backend.NewIdempotencyKey.
func WithIdempotencyKeys(next func() string) Option {
	return func(c *Controller) {
		if next != nil {
			c.newKey = next
		}
	}
}

// Controller owns the machine of one session. It is safe for concurrent use;
// network calls run without holding its lock.
type Controller struct {
	backend    Backend
	registry   *onboard.Registry
	storage    onboard.Storage
	storageKey string
	validators onboard.Validators
	logger     onboard.Logger
	emitter    *activity.Emitter
	identity   Identity
	metrics    *Metrics
	redirect   string
	newKey     func() string

	mu         sync.Mutex
	machine    *onboard.Machine
	mapping    onboard.Mapping
	version    string
	generation uint64
	submitting bool
	completed  bool
}

// New returns a controller fetching from b.
func New(b Backend, opts ...Option) (*Controller, error) {
	if b == nil {
		return nil, fmt.Errorf("controller: backend required")
	}
	c := &Controller{
		backend:  b,
		registry: onboard.DefaultRegistry(),
		logger:   onboard.NopLogger(),
		redirect: DefaultRedirect,
		newKey:   backend.NewIdempotencyKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Load fetches the schema and builds the machine. An explicit step overrides
// persisted progress. When a newer fetch has been started in the meantime the
// result is discarded. A submission still in flight keeps its guard.
func (c *Controller) Load(ctx context.Context, req LoadRequest) (View, error) {
	gen := c.beginFetch()
	schema, mapping, err := c.fetch(ctx)
	if err != nil {
		return View{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.metrics.schemaFetch(OutcomeStale)
		c.logger.Infow("discarding superseded onboarding schema", "version", schema.Version)
		if c.machine != nil {
			return c.viewLocked(), nil
		}
		return View{}, ErrSuperseded
	}

	cfg := onboard.MachineConfig{
		Steps:         mapping.Steps,
		SchemaVersion: schema.Version,
	}
	if req.Step > 0 {
		cfg.IgnoreStoredStep = true
		cfg.InitialStepIndex = req.Step - 1
	}
	c.machine = onboard.NewMachine(cfg, c.machineOptions()...)
	c.mapping = mapping
	c.version = schema.Version
	c.completed = false
	return c.viewLocked(), nil
}

func (c *Controller) machineOptions() []onboard.MachineOption {
	opts := []onboard.MachineOption{onboard.WithLogger(c.logger)}
	if c.storage != nil {
		opts = append(opts, onboard.WithStorage(c.storage))
	}
	if c.storageKey != "" {
		opts = append(opts, onboard.WithStorageKey(c.storageKey))
	}
	if c.validators != nil {
		opts = append(opts, onboard.WithValidators(c.validators))
	}
	return opts
}

func (c *Controller) beginFetch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.generation
}

func (c *Controller) fetch(ctx context.Context) (backend.Schema, onboard.Mapping, error) {
	schema, err := c.backend.FetchSchema(ctx)
	if err != nil {
		c.metrics.schemaFetch(OutcomeError)
		c.logger.Errorw("onboarding schema fetch failed", "error", err)
		return backend.Schema{}, onboard.Mapping{}, fmt.Errorf("controller: fetch schema: %w", err)
	}
	c.metrics.schemaFetch(OutcomeOK)
	mapping := c.registry.MapQuestions(schema.Questions)
	for _, q := range mapping.Dropped {
		c.logger.Warnw("onboarding question dropped, no free step",
			"question", q.ID,
			"version", schema.Version,
		)
	}
	return schema, mapping, nil
}

// View returns the current projection.
func (c *Controller) View() (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return View{}, ErrNotLoaded
	}
	return c.viewLocked(), nil
}

func (c *Controller) viewLocked() View {
	state := c.machine.State()
	return View{
		Answers:          state.Answers,
		CurrentStep:      c.machine.CurrentStep(),
		CurrentStepIndex: state.CurrentStepIndex,
		TotalSteps:       c.machine.TotalSteps(),
		CanNext:          c.machine.CanNext(),
		StepErrorKey:     state.ErrorKey,
		IsTerminal:       c.machine.IsTerminal(),
		Step:             state.CurrentStepIndex + 1,
		SchemaVersion:    c.version,
		Submitting:       c.submitting,
		Completed:        c.completed,
	}
}

// StepParam returns the 1-based step query value for the current step.
func (c *Controller) StepParam() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine == nil {
		return "", ErrNotLoaded
	}
	return strconv.Itoa(c.machine.CurrentStepIndex() + 1), nil
}

// ParseStepParam reads a step query value. Anything that is not a positive
// integer counts as absent.
func ParseStepParam(raw string) int {
	step, err := strconv.Atoi(raw)
	if err != nil || step < 1 {
		return 0
	}
	return step
}

// UpdateAnswers merges partial into the session answers.
func (c *Controller) UpdateAnswers(partial onboard.Answers) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutableLocked(); err != nil {
		return View{}, err
	}
	c.machine.UpdateAnswers(partial)
	return c.viewLocked(), nil
}

// ClearError drops the pending validation message.
func (c *Controller) ClearError() (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutableLocked(); err != nil {
		return View{}, err
	}
	c.machine.ClearError()
	return c.viewLocked(), nil
}

// Back returns to the previous step.
func (c *Controller) Back(ctx context.Context) (View, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return View{}, err
	}
	c.machine.Back()
	view := c.viewLocked()
	c.mu.Unlock()

	c.metrics.transition(DirectionBackward, OutcomeOK)
	c.emit(ctx, activity.BuildStepReturnedEvent, view, nil)
	return view, nil
}

// Advance validates and leaves the current step. On the terminal step it
// submits instead.
func (c *Controller) Advance(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return Outcome{}, err
	}
	if c.machine.IsTerminal() {
		c.mu.Unlock()
		result, err := c.Submit(ctx)
		view, viewErr := c.View()
		if viewErr != nil {
			return Outcome{}, viewErr
		}
		if err != nil {
			return Outcome{View: view}, err
		}
		return Outcome{View: view, Submission: &result}, nil
	}
	from := c.machine.CurrentStep()
	result := c.machine.Next()
	view := c.viewLocked()
	c.mu.Unlock()

	if !result.OK {
		c.metrics.transition(DirectionForward, OutcomeRejected)
		c.emitStep(ctx, activity.BuildStepRejectedEvent, from, view.CurrentStepIndex, result.ErrorKey, nil)
		return Outcome{View: view}, &ValidationError{Step: from.ID, ErrorKey: result.ErrorKey}
	}
	c.metrics.transition(DirectionForward, OutcomeOK)
	c.emit(ctx, activity.BuildStepAdvancedEvent, view, map[string]any{"from": string(from.ID)})
	return Outcome{View: view}, nil
}

// Submit sends the answers collected so far. Persisted progress is cleared
// only after the backend accepts them, and the session then rejects further
// changes with ErrCompleted until Reset or Load. On a schema version conflict the schema
// is fetched again and the machine rebound, keeping its answers.
func (c *Controller) Submit(ctx context.Context) (SubmitResult, error) {
	c.mu.Lock()
	if err := c.mutableLocked(); err != nil {
		c.mu.Unlock()
		return SubmitResult{}, err
	}
	if c.submitting {
		c.mu.Unlock()
		return SubmitResult{}, ErrSubmitInProgress
	}
	machine := c.machine
	payload := onboard.BuildSubmission(machine.Submit(), c.mapping.QuestionByStepID)
	if len(payload) == 0 {
		c.mu.Unlock()
		c.metrics.submission(OutcomeEmpty)
		return SubmitResult{}, ErrNothingToSubmit
	}
	c.submitting = true
	version := c.version
	view := c.viewLocked()
	c.mu.Unlock()

	key := c.newKey()
	req := backend.SubmitRequest{
		SchemaVersion:  versionPointer(version),
		Answers:        payload,
		IdempotencyKey: key,
	}
	start := time.Now()
	resp, err := c.backend.Submit(ctx, req)
	if err != nil {
		if backend.IsSchemaVersionConflict(err) {
			c.metrics.submission(OutcomeConflict)
			c.emit(ctx, activity.BuildSchemaConflictEvent, view, nil)
			refreshErr := c.refreshAfterConflict(ctx, machine)
			c.endSubmit()
			if refreshErr != nil {
				return SubmitResult{}, fmt.Errorf("%w: %w", ErrSchemaVersionConflict, refreshErr)
			}
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrSchemaVersionConflict, err)
		}
		c.endSubmit()
		c.metrics.submission(OutcomeError)
		c.emit(ctx, activity.BuildSubmitFailedEvent, view, map[string]any{"error": err.Error()})
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	machine.ClearStorage()
	c.mu.Lock()
	c.submitting = false
	c.completed = true
	c.mu.Unlock()
	c.metrics.submission(OutcomeOK)
	c.logger.Infow("onboarding submitted",
		"version", version,
		"entries", len(payload),
		"duration", time.Since(start),
	)
	c.emit(ctx, activity.BuildSubmittedEvent, view, map[string]any{"entries": len(payload)})

	redirect := resp.Redirect
	if redirect == "" {
		redirect = c.redirect
	}
	return SubmitResult{Redirect: redirect, IdempotencyKey: key}, nil
}

// mutableLocked must be called with c.mu held.
func (c *Controller) mutableLocked() error {
	if c.machine == nil {
		return ErrNotLoaded
	}
	if c.completed {
		return ErrCompleted
	}
	return nil
}

func (c *Controller) endSubmit() {
	c.mu.Lock()
	c.submitting = false
	c.mu.Unlock()
}

func (c *Controller) refreshAfterConflict(ctx context.Context, machine *onboard.Machine) error {
	gen := c.beginFetch()
	schema, mapping, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.machine != machine {
		c.metrics.schemaFetch(OutcomeStale)
		c.logger.Infow("discarding superseded onboarding schema", "version", schema.Version)
		return nil
	}
	machine.Rebind(mapping.Steps, schema.Version)
	c.mapping = mapping
	c.version = schema.Version
	c.logger.Infow("onboarding schema refreshed after conflict", "version", schema.Version)
	return nil
}

// Reset discards progress and restarts the flow on the current schema.
func (c *Controller) Reset(ctx context.Context) (View, error) {
	c.mu.Lock()
	if c.machine == nil {
		c.mu.Unlock()
		return View{}, ErrNotLoaded
	}
	c.machine.Reset()
	c.completed = false
	view := c.viewLocked()
	c.mu.Unlock()

	c.emit(ctx, activity.BuildResetEvent, view, nil)
	return view, nil
}

type eventBuilder func(activity.OnboardingEventInput) activity.Event

func (c *Controller) emit(ctx context.Context, build eventBuilder, view View, metadata map[string]any) {
	c.emitStep(ctx, build, view.CurrentStep, view.CurrentStepIndex, "", metadata)
}

func (c *Controller) emitStep(ctx context.Context, build eventBuilder, step onboard.RuntimeStep, index int, errorKey string, metadata map[string]any) {
	if !c.emitter.Enabled() {
		return
	}
	event := build(activity.OnboardingEventInput{
		ActorID:       c.identity.ActorID,
		UserID:        c.identity.UserID,
		TenantID:      c.identity.TenantID,
		SessionID:     c.identity.SessionID,
		SchemaVersion: c.currentVersion(),
		Step:          string(step.ID),
		StepIndex:     index,
		ErrorKey:      errorKey,
		Metadata:      metadata,
		OccurredAt:    time.Now().UTC(),
	})
	if err := c.emitter.Emit(ctx, event); err != nil {
		c.logger.Warnw("onboarding activity hook failed", "verb", event.Verb, "error", err)
	}
}

func (c *Controller) currentVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func versionPointer(version string) *string {
	if version == "" {
		return nil
	}
	return &version
}
