package onboard

import "strings"

// SubmissionOption is one selected option in the wire payload.
type SubmissionOption struct {
	ID         string  `json:"id"`
	CustomText *string `json:"custom_text"`
}

// SubmissionEntry carries the selections for one backend question.
type SubmissionEntry struct {
	QuestionID string             `json:"question_id"`
	Options    []SubmissionOption `json:"options"`
}

// SubmissionPayload is the answers list sent to the backend.
type SubmissionPayload []SubmissionEntry

// submissionOrder is the fixed order entries are emitted in.
var submissionOrder = []StepID{StepIntro, StepGoal, StepScore, StepTimeline, StepPriority}

// BuildSubmission projects answers onto the questions bound for this session.
// Steps without a bound question, option ids the question no longer offers and
// custom-answer options lacking text are dropped. An empty payload means there
// is nothing to submit; deciding whether that is an error is up to the caller.
func BuildSubmission(answers Answers, questionByStepID map[StepID]Question) SubmissionPayload {
	payload := SubmissionPayload{}
	for _, step := range submissionOrder {
		answer, ok := answers[step]
		if !ok || answer.IsEmpty() {
			continue
		}
		question, ok := questionByStepID[step]
		if !ok {
			continue
		}
		if options := submissionOptions(answer, question); len(options) > 0 {
			payload = append(payload, SubmissionEntry{QuestionID: question.ID, Options: options})
		}
	}
	return payload
}

func submissionOptions(answer Answer, question Question) []SubmissionOption {
	seen := make(map[string]struct{}, len(answer.Selected))
	var options []SubmissionOption
	for _, id := range answer.Selected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		def, ok := question.Option(id)
		if !ok {
			continue
		}
		entry := SubmissionOption{ID: id}
		if def.AllowsCustomAnswer {
			text := strings.TrimSpace(answer.CustomText[id])
			if text == "" {
				continue
			}
			entry.CustomText = &text
		}
		options = append(options, entry)
	}
	return options
}
