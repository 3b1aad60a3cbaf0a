package onboard

// Answer holds the selections recorded for one step. CustomText is keyed by
// option id and only matters for options that allow a custom answer.
type Answer struct {
	Selected   []string          `json:"selected,omitempty"`
	CustomText map[string]string `json:"custom_text,omitempty"`
}

// Answers is the per-step answer record owned by a Machine.
type Answers map[StepID]Answer

// Single builds an answer with exactly one selected option.
func Single(optionID string) Answer {
	return Answer{Selected: []string{optionID}}
}

// Multi builds an answer selecting every id in order.
func Multi(optionIDs ...string) Answer {
	return Answer{Selected: append([]string(nil), optionIDs...)}
}

// WithCustomText returns a copy of a with text recorded for optionID.
func (a Answer) WithCustomText(optionID, text string) Answer {
	out := a.Clone()
	if out.CustomText == nil {
		out.CustomText = make(map[string]string, 1)
	}
	out.CustomText[optionID] = text
	return out
}

// IsEmpty reports whether the answer carries no selection.
func (a Answer) IsEmpty() bool {
	return len(a.Selected) == 0
}

// Clone returns a deep copy of a.
func (a Answer) Clone() Answer {
	out := Answer{}
	if a.Selected != nil {
		out.Selected = append([]string{}, a.Selected...)
	}
	if a.CustomText != nil {
		out.CustomText = make(map[string]string, len(a.CustomText))
		for k, v := range a.CustomText {
			out.CustomText[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the record. A nil record clones to an empty one.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for id, answer := range a {
		out[id] = answer.Clone()
	}
	return out
}

// Merge shallow-merges partial into a: each step present in partial replaces
// the stored answer for that step.
func (a Answers) Merge(partial Answers) {
	for id, answer := range partial {
		a[id] = answer.Clone()
	}
}
