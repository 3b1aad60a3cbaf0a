package onboard

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultRegistryOrder(t *testing.T) {
	r := DefaultRegistry()
	var got []StepID
	for _, def := range r.AllSteps() {
		got = append(got, def.ID)
	}
	want := []StepID{StepIntro, StepGoal, StepScore, StepTimeline, StepPriority, StepFinish}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if len(r.BaseSteps()) != 5 {
		t.Fatalf("expected 5 base steps, got %d", len(r.BaseSteps()))
	}
	finish := r.Finish()
	if finish.ID != StepFinish || finish.Required {
		t.Fatalf("unexpected finish definition: %+v", finish)
	}
	intro, ok := r.Lookup(StepIntro)
	if !ok || !intro.Required || intro.Order != 0 {
		t.Fatalf("unexpected intro definition: %+v", intro)
	}
	if intro.HeadingKey != "onboarding.steps.intro.heading" {
		t.Fatalf("expected derived heading key, got %q", intro.HeadingKey)
	}
}

func TestAllStepsReturnsCopy(t *testing.T) {
	r := DefaultRegistry()
	steps := r.AllSteps()
	steps[0].ID = "mutated"
	if r.AllSteps()[0].ID != StepIntro {
		t.Fatalf("registry should not be affected by caller mutation")
	}
}

func TestIsKnownStepID(t *testing.T) {
	cases := map[string]bool{
		"intro":    true,
		"priority": true,
		"finish":   true,
		"unknown":  false,
		"":         false,
		"Intro":    false,
	}
	for id, want := range cases {
		if got := IsKnownStepID(id); got != want {
			t.Fatalf("IsKnownStepID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestNewRegistryRejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name string
		defs []StepDefinition
		want error
	}{
		{name: "empty", want: ErrEmptyRegistry},
		{name: "unknown", defs: []StepDefinition{{ID: "bonus"}, {ID: StepFinish}}, want: ErrUnknownStep},
		{name: "duplicate", defs: []StepDefinition{{ID: StepGoal}, {ID: StepGoal}, {ID: StepFinish}}, want: ErrDuplicateStep},
		{name: "finish first", defs: []StepDefinition{{ID: StepFinish}, {ID: StepGoal}}, want: ErrFinishPlacement},
		{name: "no finish", defs: []StepDefinition{{ID: StepGoal}}, want: ErrFinishPlacement},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.defs...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNewRegistryRewritesOrder(t *testing.T) {
	r, err := NewRegistry(
		StepDefinition{ID: StepScore, Order: 9, Required: true},
		StepDefinition{ID: StepGoal, Order: 3, Required: true, HeadingKey: "custom.heading"},
		StepDefinition{ID: StepFinish, Required: true},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	goal, _ := r.Lookup(StepGoal)
	if goal.Order != 1 || goal.HeadingKey != "custom.heading" {
		t.Fatalf("unexpected goal definition: %+v", goal)
	}
	if r.Finish().Required {
		t.Fatalf("finish should never be required")
	}
}
