// Package usersink records onboarding milestones in a go-users activity feed.
package usersink

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/goliatone/go-onboarding/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

// MilestoneVerbs are the verbs worth a line in a user's activity feed.
var MilestoneVerbs = []string{
	activity.VerbSubmitted,
	activity.VerbSchemaConflict,
	activity.VerbReset,
}

// Hook forwards onboarding events to a go-users ActivitySink.
type Hook struct {
	Sink usertypes.ActivitySink
	// Verbs restricts forwarding to the listed verbs. Empty forwards all.
	Verbs []string
	// Tenant is used when the event carries no parseable tenant id.
	Tenant uuid.UUID
	// Now stamps events without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

// NewMilestoneHook forwards MilestoneVerbs only.
func NewMilestoneHook(sink usertypes.ActivitySink, tenant uuid.UUID) Hook {
	return Hook{Sink: sink, Verbs: MilestoneVerbs, Tenant: tenant}
}

// Notify implements activity.ActivityHook.
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	event = activity.NormalizeEvent(event)
	if event.Verb == "" || event.ObjectID == "" {
		return nil
	}
	if len(h.Verbs) > 0 && !slices.Contains(h.Verbs, event.Verb) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return h.Sink.Log(ctx, h.record(event))
}

func (h Hook) record(event activity.Event) usertypes.ActivityRecord {
	data := event.Metadata
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = event.ObjectID

	record := usertypes.ActivityRecord{
		ActorID:    parseUUID(event.ActorID),
		UserID:     parseUUID(event.UserID),
		TenantID:   parseUUID(event.TenantID),
		Verb:       event.Verb,
		ObjectType: event.ObjectType,
		ObjectID:   event.ObjectID,
		Channel:    event.Channel,
		Data:       data,
		OccurredAt: event.OccurredAt,
	}
	if record.TenantID == uuid.Nil {
		record.TenantID = h.Tenant
	}
	// Learner ids from the exam product are not always UUIDs.
	if record.UserID == uuid.Nil && event.UserID != "" {
		data["user_ref"] = event.UserID
	}
	if record.ActorID == uuid.Nil {
		record.ActorID = record.UserID
	}
	if record.OccurredAt.IsZero() {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		record.OccurredAt = now()
	}
	return record
}

func parseUUID(input string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return uuid.Nil
	}
	return id
}
