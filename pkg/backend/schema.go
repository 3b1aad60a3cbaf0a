package backend

import (
	"strconv"
	"strings"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/internal/hydrate"
)

// Schema is the onboarding schema served by the backend.
type Schema struct {
	Version   string             `json:"version"`
	Questions []onboard.Question `json:"questions"`
}

// newSchemaDecoder validates schema payloads at the fetch boundary so the
// mapper only ever sees well-formed questions.
func newSchemaDecoder() *hydrate.Decoder[Schema] {
	return hydrate.NewDecoder[Schema](
		hydrate.WithPreHook[Schema](coerceSchemaPayload),
		hydrate.WithPostHook[Schema](dedupeQuestions),
	)
}

// coerceSchemaPayload drops question and option entries that are not objects
// or lack an id, turns numeric strings into numbers for order and stringifies
// numeric versions.
func coerceSchemaPayload(_ hydrate.Context, payload map[string]any) (map[string]any, error) {
	switch v := payload["version"].(type) {
	case float64:
		payload["version"] = strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		payload["version"] = ""
	}

	rawQuestions, _ := payload["questions"].([]any)
	questions := make([]any, 0, len(rawQuestions))
	for i, raw := range rawQuestions {
		q, ok := raw.(map[string]any)
		if !ok || idString(q["id"]) == "" {
			continue
		}
		q["id"] = idString(q["id"])
		switch order := q["order"].(type) {
		case float64:
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(order), 64)
			if err != nil {
				parsed = float64(i)
			}
			q["order"] = parsed
		default:
			q["order"] = float64(i)
		}
		if _, ok := q["title"].(string); !ok {
			q["title"] = ""
		}
		if _, ok := q["description"].(string); !ok {
			delete(q, "description")
		}
		q["options"] = coerceOptions(q["options"])
		questions = append(questions, q)
	}
	payload["questions"] = questions
	return payload, nil
}

func coerceOptions(raw any) []any {
	rawOptions, _ := raw.([]any)
	options := make([]any, 0, len(rawOptions))
	for _, rawOption := range rawOptions {
		opt, ok := rawOption.(map[string]any)
		if !ok || idString(opt["id"]) == "" {
			continue
		}
		opt["id"] = idString(opt["id"])
		if label, ok := opt["label"].(string); !ok || label == "" {
			opt["label"] = opt["id"]
		}
		if _, ok := opt["allows_custom_answer"].(bool); !ok {
			opt["allows_custom_answer"] = false
		}
		options = append(options, opt)
	}
	return options
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// dedupeQuestions keeps the first question of each id.
func dedupeQuestions(_ hydrate.Context, schema *Schema) error {
	seen := make(map[string]struct{}, len(schema.Questions))
	kept := schema.Questions[:0]
	for _, q := range schema.Questions {
		if _, dup := seen[q.ID]; dup {
			continue
		}
		seen[q.ID] = struct{}{}
		kept = append(kept, q)
	}
	schema.Questions = kept
	return nil
}
