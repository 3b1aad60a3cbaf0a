package onboard

import (
	"encoding/json"
	"sync"
)

// MachineConfig describes the flow a Machine walks.
type MachineConfig struct {
	Steps            []RuntimeStep
	InitialStepIndex int
	// IgnoreStoredStep skips restoring persisted progress, e.g. when the
	// caller navigated to an explicit step.
	IgnoreStoredStep bool
	// SchemaVersion scopes persisted progress; empty means no version.
	SchemaVersion string
}

// MachineState is a snapshot of a Machine.
type MachineState struct {
	CurrentStepIndex int
	Answers          Answers
	ErrorKey         string
	SchemaVersion    string
}

// Result reports the outcome of Next.
type Result struct {
	OK       bool
	ErrorKey string
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithStorage persists progress to storage.
func WithStorage(storage Storage) MachineOption {
	return func(m *Machine) {
		if storage != nil {
			m.storage = storage
		}
	}
}

// WithStorageKey overrides DefaultStorageKey.
func WithStorageKey(key string) MachineOption {
	return func(m *Machine) {
		if key != "" {
			m.storageKey = key
		}
	}
}

// WithValidators replaces the default predicate table.
func WithValidators(validators Validators) MachineOption {
	return func(m *Machine) {
		if validators != nil {
			m.validators = validators.Clone()
		}
	}
}

// WithLogger sets the logger used for storage and decode warnings.
func WithLogger(logger Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine tracks progress through a runtime flow. All operations are total:
// they never panic on bad input and storage failures are logged, not returned.
type Machine struct {
	mu         sync.Mutex
	steps      []RuntimeStep
	state      MachineState
	storage    Storage
	storageKey string
	validators Validators
	logger     Logger
}

// NewMachine builds a machine, restoring persisted progress when allowed and
// recorded for the same schema version.
func NewMachine(cfg MachineConfig, opts ...MachineOption) *Machine {
	m := &Machine{
		steps:      cloneSteps(cfg.Steps),
		storage:    noopStorage{},
		storageKey: DefaultStorageKey,
		validators: DefaultValidators(),
		logger:     NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if len(m.steps) == 0 {
		m.steps = DefaultRegistry().StaticSteps()
	}

	m.state = MachineState{
		CurrentStepIndex: m.clamp(cfg.InitialStepIndex),
		Answers:          Answers{},
		SchemaVersion:    cfg.SchemaVersion,
	}
	if !cfg.IgnoreStoredStep {
		if stored, ok := m.load(); ok && versionValue(stored.SchemaVersion) == cfg.SchemaVersion {
			m.state.CurrentStepIndex = m.clamp(stored.CurrentStepIndex)
			if stored.Answers != nil {
				m.state.Answers = stored.Answers
			}
		}
	}
	return m
}

func cloneSteps(steps []RuntimeStep) []RuntimeStep {
	if len(steps) == 0 {
		return nil
	}
	out := make([]RuntimeStep, len(steps))
	copy(out, steps)
	return out
}

func (m *Machine) clamp(index int) int {
	if index < 0 {
		return 0
	}
	if last := len(m.steps) - 1; index > last {
		return last
	}
	return index
}

func (m *Machine) load() (persistedState, bool) {
	raw, ok, err := m.storage.Get(m.storageKey)
	if err != nil {
		m.logger.Warnw("onboarding progress unreadable", "key", m.storageKey, "error", err)
		return persistedState{}, false
	}
	if !ok || raw == "" {
		return persistedState{}, false
	}
	var stored persistedState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		m.logger.Warnw("discarding corrupt onboarding progress", "key", m.storageKey, "error", err)
		return persistedState{}, false
	}
	return stored, true
}

// persist must be called with m.mu held.
func (m *Machine) persist() {
	payload, err := json.Marshal(persistedState{
		SchemaVersion:    versionPointer(m.state.SchemaVersion),
		CurrentStepIndex: m.state.CurrentStepIndex,
		Answers:          m.state.Answers,
	})
	if err != nil {
		m.logger.Errorw("encode onboarding progress", "error", err)
		return
	}
	if err := m.storage.Set(m.storageKey, string(payload)); err != nil {
		m.logger.Warnw("persist onboarding progress", "key", m.storageKey, "error", err)
	}
}

func (m *Machine) current() RuntimeStep {
	return m.steps[m.state.CurrentStepIndex]
}

func (m *Machine) isTerminal() bool {
	return m.state.CurrentStepIndex == len(m.steps)-1
}

// UpdateAnswers merges partial into the answers. A pending error on the
// current step is cleared once the step validates.
func (m *Machine) UpdateAnswers(partial Answers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Answers.Merge(partial)
	if m.state.ErrorKey != "" {
		if _, ok := m.validators.Check(m.current().ID, m.state.Answers); ok {
			m.state.ErrorKey = ""
		}
	}
	m.persist()
}

// ClearError drops the pending error without touching answers.
func (m *Machine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ErrorKey = ""
	m.persist()
}

// Next validates the current step and advances when it passes. On the
// terminal step it is a successful no-op.
func (m *Machine) Next() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isTerminal() {
		return Result{OK: true}
	}
	if key, ok := m.validators.Check(m.current().ID, m.state.Answers); !ok {
		m.state.ErrorKey = key
		m.persist()
		return Result{OK: false, ErrorKey: key}
	}
	m.state.CurrentStepIndex = m.clamp(m.state.CurrentStepIndex + 1)
	m.state.ErrorKey = ""
	m.persist()
	return Result{OK: true}
}

// Back moves one step backwards without validating.
func (m *Machine) Back() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentStepIndex = m.clamp(m.state.CurrentStepIndex - 1)
	m.state.ErrorKey = ""
	m.persist()
}

// Submit returns a deep copy of the answers. Persisted progress is kept so a
// failed submission can be retried.
func (m *Machine) Submit() Answers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Answers.Clone()
}

// Rebind swaps the runtime flow for a refreshed schema while keeping answers.
func (m *Machine) Rebind(steps []RuntimeStep, schemaVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(steps) > 0 {
		m.steps = cloneSteps(steps)
	}
	m.state.SchemaVersion = schemaVersion
	m.state.CurrentStepIndex = m.clamp(m.state.CurrentStepIndex)
	m.state.ErrorKey = ""
	m.persist()
}

// Reset clears persisted progress and restarts the flow.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentStepIndex = 0
	m.state.Answers = Answers{}
	m.state.ErrorKey = ""
	if err := m.storage.Remove(m.storageKey); err != nil {
		m.logger.Warnw("clear onboarding progress", "key", m.storageKey, "error", err)
	}
}

// ClearStorage removes persisted progress without touching in-memory state.
func (m *Machine) ClearStorage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.storage.Remove(m.storageKey); err != nil {
		m.logger.Warnw("clear onboarding progress", "key", m.storageKey, "error", err)
	}
}

// Answers returns a copy of the recorded answers.
func (m *Machine) Answers() Answers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Answers.Clone()
}

// CurrentStep returns the step being displayed.
func (m *Machine) CurrentStep() RuntimeStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

// CurrentStepIndex returns the zero-based position in the flow.
func (m *Machine) CurrentStepIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentStepIndex
}

// TotalSteps returns the flow length, finish included.
func (m *Machine) TotalSteps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}

// Steps returns a copy of the runtime flow.
func (m *Machine) Steps() []RuntimeStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSteps(m.steps)
}

// IsTerminal reports whether the current step is the last one.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isTerminal()
}

// CanNext reports whether the current step validates right now.
func (m *Machine) CanNext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.validators.Check(m.current().ID, m.state.Answers)
	return ok
}

// StepErrorKey returns the pending validation error, if any.
func (m *Machine) StepErrorKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ErrorKey
}

// State returns a deep copy of the machine state.
func (m *Machine) State() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state
	out.Answers = m.state.Answers.Clone()
	return out
}
