package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/backend"
	"github.com/goliatone/go-onboarding/pkg/controller"
	"github.com/goliatone/go-onboarding/pkg/state"
)

type scriptedPrompter struct {
	choices []int
	texts   []string
	labels  []string
}

func (p *scriptedPrompter) Select(label string, items []string) (int, error) {
	p.labels = append(p.labels, label)
	if len(p.choices) == 0 {
		return 0, errors.New("script exhausted")
	}
	idx := p.choices[0]
	p.choices = p.choices[1:]
	return idx, nil
}

func (p *scriptedPrompter) Text(string) (string, error) {
	if len(p.texts) == 0 {
		return "", errors.New("no text scripted")
	}
	text := p.texts[0]
	p.texts = p.texts[1:]
	return text, nil
}

func newBackendServer(t *testing.T, submitted *backend.SubmitRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/onboarding/schema", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"v1","questions":[
			{"id":"intro","order":1,"title":"Who are you?","options":[{"id":"student","label":"Student"},{"id":"educator","label":"Educator"}]},
			{"id":"goal","order":2,"title":"Goal","options":[{"id":"other","label":"Other","allows_custom_answer":true}]},
			{"id":"score","order":3,"title":"Score","options":[{"id":"7","label":"7"}]},
			{"id":"timeline","order":4,"title":"Timeline","options":[{"id":"3m","label":"3 months"}]},
			{"id":"priority","order":5,"title":"Priority","options":[{"id":"listening","label":"Listening"}]}
		]}`))
	})
	mux.HandleFunc("/onboarding/submit", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(submitted); err != nil {
			t.Errorf("decode submit: %v", err)
		}
		_, _ = w.Write([]byte(`{"redirect":"/study-plan"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, baseURL string, store onboard.Storage) *controller.Controller {
	t.Helper()
	client, err := backend.NewClient(baseURL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctrl, err := controller.New(client, controller.WithStorage(store))
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	return ctrl
}

func TestWalkSubmitsAnswers(t *testing.T) {
	var submitted backend.SubmitRequest
	srv := newBackendServer(t, &submitted)
	ctrl := newTestController(t, srv.URL, state.NewMemoryStore())

	ui := &scriptedPrompter{
		// intro: next without a selection, pick Student, next
		// goal..priority: pick the only option, next
		// finish: submit
		choices: []int{2, 0, 2, 0, 1, 0, 1, 0, 1, 0, 1, 0},
		texts:   []string{"  study abroad "},
	}
	var out bytes.Buffer
	if err := walk(context.Background(), ctrl, 0, ui, &out); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if !strings.Contains(out.String(), "/study-plan") {
		t.Fatalf("expected redirect in output, got %q", out.String())
	}
	if len(submitted.Answers) != 5 {
		t.Fatalf("expected five entries, got %+v", submitted.Answers)
	}
	goal := submitted.Answers[1]
	if goal.QuestionID != "goal" || goal.Options[0].CustomText == nil || *goal.Options[0].CustomText != "study abroad" {
		t.Fatalf("unexpected goal entry: %+v", goal)
	}
	if !strings.Contains(ui.labels[1], onboard.SelectionErrorKey(onboard.StepIntro)) {
		t.Fatalf("expected validation key in label, got %q", ui.labels[1])
	}
}

func TestWalkQuitKeepsProgress(t *testing.T) {
	var submitted backend.SubmitRequest
	srv := newBackendServer(t, &submitted)
	store := state.NewMemoryStore()
	ctrl := newTestController(t, srv.URL, store)

	ui := &scriptedPrompter{choices: []int{0, 2, 3}}
	var out bytes.Buffer
	if err := walk(context.Background(), ctrl, 0, ui, &out); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if !strings.Contains(out.String(), "--step 2") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if store.Len() != 1 {
		t.Fatal("expected persisted progress")
	}

	resumed := newTestController(t, srv.URL, store)
	view, err := resumed.Load(context.Background(), controller.LoadRequest{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if view.CurrentStep.ID != onboard.StepGoal {
		t.Fatalf("expected to resume on goal, got %s", view.CurrentStep.ID)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ONBOARD_BACKEND", "https://api.example.test")
	t.Setenv("ONBOARD_STEP", "3")
	t.Setenv("ONBOARD_STATE", "memory")

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	if err := bindFlags(cmd, v); err != nil {
		t.Fatalf("bindFlags: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != "https://api.example.test" || cfg.Step != 3 || cfg.State != "memory" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	cases := []string{"memory", filepath.Join(dir, "progress.db"), filepath.Join(dir, "files")}
	for _, location := range cases {
		store, err := openStore(location)
		if err != nil {
			t.Fatalf("openStore(%q): %v", location, err)
		}
		if err := store.Set("k", "v"); err != nil {
			t.Fatalf("Set on %q: %v", location, err)
		}
		if got, ok, err := store.Get("k"); err != nil || !ok || got != "v" {
			t.Fatalf("Get on %q = %q, %v, %v", location, got, ok, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close on %q: %v", location, err)
		}
	}
}

func TestCheckRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := []byte("steps:\n  intro:\n    rule: count >= 2\n    error_key: onboarding.errors.intro.two\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	var out bytes.Buffer
	if err := checkRules(path, &out); err != nil {
		t.Fatalf("checkRules: %v", err)
	}
	if !strings.Contains(out.String(), "1 step rules ok") {
		t.Fatalf("unexpected output %q", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("steps:\n  nowhere:\n    rule: true\n"), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if err := checkRules(bad, &out); err == nil {
		t.Fatal("expected unknown step error")
	}
}
