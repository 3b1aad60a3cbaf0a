package activity

import (
	"strings"
	"time"
)

// Verbs emitted by the onboarding flow.
const (
	VerbStepAdvanced   = "onboarding.step.advanced"
	VerbStepRejected   = "onboarding.step.rejected"
	VerbStepReturned   = "onboarding.step.returned"
	VerbSubmitted      = "onboarding.submitted"
	VerbSubmitFailed   = "onboarding.submit.failed"
	VerbSchemaConflict = "onboarding.schema.conflict"
	VerbReset          = "onboarding.reset"
)

const objectTypeOnboarding = "onboarding"

// OnboardingEventInput describes the common fields of onboarding events.
type OnboardingEventInput struct {
	ActorID       string
	UserID        string
	TenantID      string
	SessionID     string
	Channel       string
	SchemaVersion string
	Step          string
	StepIndex     int
	ErrorKey      string
	Metadata      map[string]any
	OccurredAt    time.Time
}

// BuildStepAdvancedEvent reports a successful forward transition.
func BuildStepAdvancedEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbStepAdvanced, input)
}

// BuildStepRejectedEvent reports a forward transition blocked by validation.
func BuildStepRejectedEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbStepRejected, input)
}

// BuildStepReturnedEvent reports a backward transition.
func BuildStepReturnedEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbStepReturned, input)
}

// BuildSubmittedEvent reports a completed submission.
func BuildSubmittedEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbSubmitted, input)
}

// BuildSubmitFailedEvent reports a failed submission attempt.
func BuildSubmitFailedEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbSubmitFailed, input)
}

// BuildSchemaConflictEvent reports a submission rejected for a stale schema.
func BuildSchemaConflictEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbSchemaConflict, input)
}

// BuildResetEvent reports an explicit restart of the flow.
func BuildResetEvent(input OnboardingEventInput) Event {
	return buildOnboardingEvent(VerbReset, input)
}

func buildOnboardingEvent(verb string, input OnboardingEventInput) Event {
	metadata := cloneMap(input.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if step := strings.TrimSpace(input.Step); step != "" {
		metadata["step"] = step
		metadata["step_index"] = input.StepIndex
	}
	if input.SchemaVersion != "" {
		metadata["schema_version"] = input.SchemaVersion
	}
	if input.ErrorKey != "" {
		metadata["error_key"] = input.ErrorKey
	}

	objectID := strings.TrimSpace(input.SessionID)
	if objectID == "" {
		objectID = strings.TrimSpace(input.UserID)
	}
	if objectID == "" {
		objectID = objectTypeOnboarding
	}

	return Event{
		Verb:       verb,
		ActorID:    strings.TrimSpace(input.ActorID),
		UserID:     strings.TrimSpace(input.UserID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: objectTypeOnboarding,
		ObjectID:   objectID,
		Channel:    strings.TrimSpace(input.Channel),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}
