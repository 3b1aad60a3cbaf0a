package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/manifoldco/promptui"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/controller"
)

// prompter asks the user for input.
type prompter interface {
	Select(label string, items []string) (int, error)
	Text(label string) (string, error)
}

type promptUI struct{}

func newPromptUI() prompter {
	return promptUI{}
}

func (promptUI) Select(label string, items []string) (int, error) {
	sel := promptui.Select{Label: label, Items: items, Size: len(items)}
	idx, _, err := sel.Run()
	return idx, err
}

func (promptUI) Text(label string) (string, error) {
	prompt := promptui.Prompt{Label: label}
	return prompt.Run()
}

const (
	itemNext   = "Next"
	itemSubmit = "Submit"
	itemBack   = "Back"
	itemQuit   = "Save and quit"
)

// walk drives ctrl until the answers are submitted or the user quits.
func walk(ctx context.Context, ctrl *controller.Controller, step int, ui prompter, out io.Writer) error {
	view, err := ctrl.Load(ctx, controller.LoadRequest{Step: step})
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		options := stepOptions(view.CurrentStep)
		items := make([]string, 0, len(options)+3)
		answer := view.Answers[view.CurrentStep.ID]
		for _, opt := range options {
			mark := "[ ]"
			if slices.Contains(answer.Selected, opt.ID) {
				mark = "[x]"
			}
			items = append(items, mark+" "+opt.Label)
		}
		if view.IsTerminal {
			items = append(items, itemSubmit)
		} else {
			items = append(items, itemNext)
		}
		items = append(items, itemBack, itemQuit)

		idx, err := ui.Select(stepLabel(view), items)
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil
			}
			return err
		}

		switch {
		case idx < len(options):
			view, err = toggle(ctrl, view, options[idx], ui)
		case items[idx] == itemNext || items[idx] == itemSubmit:
			var done bool
			view, done, err = advance(ctx, ctrl, view, out)
			if done {
				return nil
			}
		case items[idx] == itemBack:
			view, err = ctrl.Back(ctx)
		default:
			param, _ := ctrl.StepParam()
			fmt.Fprintf(out, "progress saved, resume with --step %s\n", param)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func stepOptions(step onboard.RuntimeStep) []onboard.Option {
	if step.Question == nil {
		return nil
	}
	return step.Question.Options
}

func stepLabel(view controller.View) string {
	title := view.CurrentStep.HeadingKey
	if q := view.CurrentStep.Question; q != nil && q.Title != "" {
		title = q.Title
	}
	label := fmt.Sprintf("[%d/%d] %s", view.Step, view.TotalSteps, title)
	if view.StepErrorKey != "" {
		label += " (" + view.StepErrorKey + ")"
	}
	return label
}

func toggle(ctrl *controller.Controller, view controller.View, opt onboard.Option, ui prompter) (controller.View, error) {
	id := view.CurrentStep.ID
	answer := view.Answers[id].Clone()
	if i := slices.Index(answer.Selected, opt.ID); i >= 0 {
		answer.Selected = slices.Delete(answer.Selected, i, i+1)
		delete(answer.CustomText, opt.ID)
	} else {
		answer.Selected = append(answer.Selected, opt.ID)
		if opt.AllowsCustomAnswer {
			text, err := ui.Text(opt.Label)
			if err != nil {
				return view, err
			}
			answer = answer.WithCustomText(opt.ID, text)
		}
	}
	return ctrl.UpdateAnswers(onboard.Answers{id: answer})
}

// advance reports done once the answers were accepted by the backend.
func advance(ctx context.Context, ctrl *controller.Controller, view controller.View, out io.Writer) (controller.View, bool, error) {
	outcome, err := ctrl.Advance(ctx)
	switch {
	case err == nil:
		if outcome.Submission != nil {
			fmt.Fprintf(out, "onboarding complete, continue at %s\n", outcome.Submission.Redirect)
			return outcome.View, true, nil
		}
		return outcome.View, false, nil
	case errors.Is(err, controller.ErrValidation):
		return outcome.View, false, nil
	case errors.Is(err, controller.ErrSchemaVersionConflict):
		fmt.Fprintln(out, "the questions changed, review your answers and submit again")
	case errors.Is(err, controller.ErrNothingToSubmit):
		fmt.Fprintln(out, "nothing to submit yet")
	case errors.Is(err, controller.ErrSubmitFailed):
		fmt.Fprintf(out, "submission failed, try again: %v\n", err)
	default:
		return view, false, err
	}
	refreshed, viewErr := ctrl.View()
	if viewErr != nil {
		return view, false, viewErr
	}
	return refreshed, false, nil
}
