package onboard

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// memoryStorage is a minimal Storage used by machine tests.
type memoryStorage struct {
	values  map[string]string
	sets    int
	getErr  error
	setErr  error
	removed []string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{values: map[string]string{}}
}

func (s *memoryStorage) Get(key string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memoryStorage) Set(key, value string) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *memoryStorage) Remove(key string) error {
	s.removed = append(s.removed, key)
	delete(s.values, key)
	return nil
}

func defaultFlow() []RuntimeStep {
	return DefaultRegistry().StaticSteps()
}

func TestNewMachineClampsInitialIndex(t *testing.T) {
	steps := defaultFlow()
	cases := map[int]int{-3: 0, -1: 0, 0: 0, 3: 3, 5: 5, 6: 5, 100: 5}
	for initial, want := range cases {
		m := NewMachine(MachineConfig{Steps: steps, InitialStepIndex: initial})
		if got := m.CurrentStepIndex(); got != want {
			t.Fatalf("initial %d: expected index %d, got %d", initial, want, got)
		}
	}
}

func TestNextNeverPassesLastStep(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow()}, WithValidators(Validators{}))
	for i := 0; i < 20; i++ {
		if res := m.Next(); !res.OK {
			t.Fatalf("next %d unexpectedly failed: %+v", i, res)
		}
	}
	if m.CurrentStepIndex() != 5 {
		t.Fatalf("expected index capped at 5, got %d", m.CurrentStepIndex())
	}
	if !m.IsTerminal() {
		t.Fatalf("expected terminal step")
	}
}

func TestBackNeverGoesBelowZero(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow(), InitialStepIndex: 2})
	for i := 0; i < 10; i++ {
		m.Back()
	}
	if m.CurrentStepIndex() != 0 {
		t.Fatalf("expected index 0, got %d", m.CurrentStepIndex())
	}
}

func TestNextRejectsMissingSelection(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow()})
	res := m.Next()
	if res.OK {
		t.Fatalf("expected next to fail without a selection")
	}
	if res.ErrorKey == "" || m.StepErrorKey() != res.ErrorKey {
		t.Fatalf("expected error key recorded, got result %q machine %q", res.ErrorKey, m.StepErrorKey())
	}
	if res.ErrorKey != "onboarding.errors.intro.required" {
		t.Fatalf("unexpected error key %q", res.ErrorKey)
	}
	if m.CurrentStepIndex() != 0 {
		t.Fatalf("expected index unchanged, got %d", m.CurrentStepIndex())
	}
}

func TestExactlyOneValidatorRejectsMultiple(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow(), InitialStepIndex: 1})
	m.UpdateAnswers(Answers{StepGoal: Multi("academic", "general")})
	if m.CanNext() {
		t.Fatalf("goal should require exactly one selection")
	}
	if res := m.Next(); res.OK {
		t.Fatalf("expected next to fail")
	}
	m.UpdateAnswers(Answers{StepGoal: Single("academic")})
	if m.StepErrorKey() != "" {
		t.Fatalf("expected error cleared once goal validates, got %q", m.StepErrorKey())
	}
}

func TestCanNextTracksUpdates(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow()})
	if m.CanNext() {
		t.Fatalf("expected CanNext false before any answer")
	}
	m.UpdateAnswers(Answers{StepIntro: Multi("study-abroad")})
	if !m.CanNext() {
		t.Fatalf("expected CanNext true after satisfying intro")
	}
	if m.CurrentStepIndex() != 0 {
		t.Fatalf("update must not advance the step")
	}
}

func TestUpdateAnswersKeepsErrorWhileUnsatisfied(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow()})
	m.Next()
	m.UpdateAnswers(Answers{StepGoal: Single("academic")})
	if m.StepErrorKey() == "" {
		t.Fatalf("answering another step must not clear the intro error")
	}
	m.ClearError()
	if m.StepErrorKey() != "" {
		t.Fatalf("expected ClearError to drop the error")
	}
	if _, ok := m.Answers()[StepGoal]; !ok {
		t.Fatalf("ClearError must not touch answers")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	storage := newMemoryStorage()
	cfg := MachineConfig{Steps: defaultFlow(), SchemaVersion: "v3"}
	m := NewMachine(cfg, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Multi("a", "b").WithCustomText("b", "my reason")})
	m.Next()
	m.UpdateAnswers(Answers{StepGoal: Single("academic")})
	m.Next()

	restored := NewMachine(cfg, WithStorage(storage))
	if restored.CurrentStepIndex() != m.CurrentStepIndex() {
		t.Fatalf("expected index %d, got %d", m.CurrentStepIndex(), restored.CurrentStepIndex())
	}
	if diff := cmp.Diff(m.Answers(), restored.Answers()); diff != "" {
		t.Fatalf("answers differ after restore (-want +got):\n%s", diff)
	}
}

func TestPersistedLayout(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1"}, WithStorage(storage), WithStorageKey("custom"))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})

	raw, ok := storage.values["custom"]
	if !ok {
		t.Fatalf("expected state under custom key")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["schemaVersion"] != "v1" || decoded["currentStepIndex"] != float64(0) {
		t.Fatalf("unexpected persisted layout: %s", raw)
	}
	if _, ok := decoded["answers"].(map[string]any)["intro"]; !ok {
		t.Fatalf("expected intro answer persisted: %s", raw)
	}
}

func TestNilSchemaVersionPersistsAsNull(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow()}, WithStorage(storage))
	m.ClearError()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(storage.values[DefaultStorageKey]), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := decoded["schemaVersion"]; !ok || v != nil {
		t.Fatalf("expected explicit null schemaVersion, got %v", decoded)
	}
}

func TestSchemaVersionChangeStartsFresh(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1"}, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	m.Next()

	fresh := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v2", InitialStepIndex: 3}, WithStorage(storage))
	if fresh.CurrentStepIndex() != 3 {
		t.Fatalf("expected initial index used, got %d", fresh.CurrentStepIndex())
	}
	if len(fresh.Answers()) != 0 {
		t.Fatalf("expected empty answers, got %+v", fresh.Answers())
	}

	zero := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v9"}, WithStorage(storage))
	if zero.CurrentStepIndex() != 0 || len(zero.Answers()) != 0 {
		t.Fatalf("expected fresh state at 0, got %d %+v", zero.CurrentStepIndex(), zero.Answers())
	}
}

func TestIgnoreStoredStep(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1"}, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	m.Next()

	explicit := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1", InitialStepIndex: 4, IgnoreStoredStep: true}, WithStorage(storage))
	if explicit.CurrentStepIndex() != 4 {
		t.Fatalf("expected explicit index 4, got %d", explicit.CurrentStepIndex())
	}
	if len(explicit.Answers()) != 0 {
		t.Fatalf("expected stored answers ignored, got %+v", explicit.Answers())
	}
}

func TestRestoredIndexIsClamped(t *testing.T) {
	storage := newMemoryStorage()
	storage.values[DefaultStorageKey] = `{"schemaVersion":"v1","currentStepIndex":42,"answers":{}}`
	m := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1"}, WithStorage(storage))
	if m.CurrentStepIndex() != 5 {
		t.Fatalf("expected clamped index 5, got %d", m.CurrentStepIndex())
	}
}

func TestCorruptStorageIsIgnored(t *testing.T) {
	storage := newMemoryStorage()
	storage.values[DefaultStorageKey] = `{not json`
	m := NewMachine(MachineConfig{Steps: defaultFlow(), InitialStepIndex: 1}, WithStorage(storage))
	if m.CurrentStepIndex() != 1 || len(m.Answers()) != 0 {
		t.Fatalf("expected fresh state, got %d %+v", m.CurrentStepIndex(), m.Answers())
	}

	failing := newMemoryStorage()
	failing.getErr = errors.New("disk gone")
	failing.setErr = errors.New("disk gone")
	m = NewMachine(MachineConfig{Steps: defaultFlow()}, WithStorage(failing))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	if res := m.Next(); !res.OK {
		t.Fatalf("storage failures must not block the flow: %+v", res)
	}
}

func TestEveryMutationPersists(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow()}, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	m.ClearError()
	m.Next()
	m.Back()
	if storage.sets != 4 {
		t.Fatalf("expected 4 writes, got %d", storage.sets)
	}
	m.Submit()
	if storage.sets != 4 || len(storage.removed) != 0 {
		t.Fatalf("submit must not touch storage")
	}
}

func TestResetClearsStorage(t *testing.T) {
	storage := newMemoryStorage()
	m := NewMachine(MachineConfig{Steps: defaultFlow()}, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	m.Next()
	m.Reset()
	if m.CurrentStepIndex() != 0 || len(m.Answers()) != 0 {
		t.Fatalf("expected reset state")
	}
	if _, ok := storage.values[DefaultStorageKey]; ok {
		t.Fatalf("expected storage entry removed")
	}
}

func TestRebindKeepsAnswers(t *testing.T) {
	storage := newMemoryStorage()
	first := DefaultRegistry().MapQuestions([]Question{question("intro", 1, "a"), question("goal", 2, "g")})
	m := NewMachine(MachineConfig{Steps: first.Steps, SchemaVersion: "v1"}, WithStorage(storage))
	m.UpdateAnswers(Answers{StepIntro: Single("a")})
	m.Next()
	m.UpdateAnswers(Answers{StepGoal: Single("g")})
	m.Next()

	second := DefaultRegistry().MapQuestions([]Question{question("intro", 1, "a2")})
	m.Rebind(second.Steps, "v2")

	if m.TotalSteps() != 2 || m.CurrentStepIndex() != 1 {
		t.Fatalf("expected clamped index on shorter flow, got %d of %d", m.CurrentStepIndex(), m.TotalSteps())
	}
	if _, ok := m.Answers()[StepGoal]; !ok {
		t.Fatalf("rebind must keep answers")
	}
	restored := NewMachine(MachineConfig{Steps: second.Steps, SchemaVersion: "v2"}, WithStorage(storage))
	if len(restored.Answers()) != 2 {
		t.Fatalf("expected answers persisted under new version, got %+v", restored.Answers())
	}
}

func TestCustomValidatorDispatch(t *testing.T) {
	calls := 0
	validators := DefaultValidators()
	validators[StepIntro] = ValidatorFunc(func(step StepID, answers Answers) (string, bool) {
		calls++
		return "custom.intro", false
	})
	m := NewMachine(MachineConfig{Steps: defaultFlow()}, WithValidators(validators))
	m.UpdateAnswers(Answers{StepIntro: Single("x")})
	if res := m.Next(); res.OK || res.ErrorKey != "custom.intro" {
		t.Fatalf("expected custom validator result, got %+v", res)
	}
	if calls == 0 {
		t.Fatalf("expected custom validator to run")
	}
}

func TestEmptyStepsFallBackToRegistry(t *testing.T) {
	m := NewMachine(MachineConfig{})
	if m.TotalSteps() != 6 || m.CurrentStep().ID != StepIntro {
		t.Fatalf("expected default flow, got %d steps starting at %s", m.TotalSteps(), m.CurrentStep().ID)
	}
}

func TestEndToEndFlow(t *testing.T) {
	m := NewMachine(MachineConfig{Steps: defaultFlow(), SchemaVersion: "v1"}, WithStorage(newMemoryStorage()))
	picks := []struct {
		step StepID
		pick string
	}{
		{StepIntro, "travel"},
		{StepGoal, "academic"},
		{StepScore, "band-7"},
		{StepTimeline, "3-months"},
		{StepPriority, "writing"},
	}
	for i, p := range picks {
		if m.CurrentStep().ID != p.step {
			t.Fatalf("step %d: expected %s, got %s", i, p.step, m.CurrentStep().ID)
		}
		m.UpdateAnswers(Answers{p.step: Single(p.pick)})
		if res := m.Next(); !res.OK {
			t.Fatalf("step %s: next failed: %+v", p.step, res)
		}
	}
	if m.CurrentStepIndex() != 5 || m.CurrentStep().ID != StepFinish {
		t.Fatalf("expected finish at index 5, got %d (%s)", m.CurrentStepIndex(), m.CurrentStep().ID)
	}
	if res := m.Next(); !res.OK || m.CurrentStepIndex() != 5 {
		t.Fatalf("next on finish must be an ok no-op")
	}

	submitted := m.Submit()
	if len(submitted) != 5 {
		t.Fatalf("expected 5 answers, got %d", len(submitted))
	}
	submitted.Merge(Answers{StepGoal: Single("general")})
	submitted[StepIntro].Selected[0] = "changed"
	answers := m.Answers()
	if answers[StepGoal].Selected[0] != "academic" || answers[StepIntro].Selected[0] != "travel" {
		t.Fatalf("submit must return an independent copy, machine has %+v", answers)
	}
}
