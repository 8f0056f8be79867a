// Package recovery reclaims orchestrator turns that died mid-stream.
// A turn is orphaned when its record still says streaming but the
// heartbeat stopped; the decision between resuming from a checkpoint,
// retrying from scratch, and giving up is a pure function over the
// record, so crashes at any point re-converge on the same outcome.
package recovery

import (
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// Action is the verdict for one orphaned turn.
type Action string

const (
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
	ActionFail   Action = "fail"
)

// FindOrphaned returns the records whose status is streaming and whose
// heartbeat is missing or older than now minus timeout. A record with
// no heartbeat at all counts as orphaned: the loop writes its first
// mark immediately, so absence means the writer died at birth.
func FindOrphaned(records []store.TurnRecord, now time.Time, timeout time.Duration) []store.TurnRecord {
	cutoff := now.Add(-timeout).UnixMilli()
	var out []store.TurnRecord
	for _, r := range records {
		if r.Status != store.TurnStreaming {
			continue
		}
		if r.HeartbeatAt == nil || *r.HeartbeatAt < cutoff {
			out = append(out, r)
		}
	}
	return out
}

// Decide picks the recovery action. A checkpoint always wins: resuming
// re-spends rounds already counted, so it cannot loop unboundedly even
// past maxAttempts.
func Decide(rec store.TurnRecord, maxAttempts int) Action {
	if rec.Checkpoint != "" {
		return ActionResume
	}
	if rec.Attempt < maxAttempts {
		return ActionRetry
	}
	return ActionFail
}

// Payload re-enqueues one orphaned turn with its session.
type Payload struct {
	MessageID  string `json:"messageId"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Reason     string `json:"reason"`
}

// BuildPayload captures what the session needs to re-run the turn. The
// message text itself is not carried; the session reloads it by id.
func BuildPayload(rec store.TurnRecord, reason string) Payload {
	if reason == "" {
		reason = "orphaned"
	}
	return Payload{
		MessageID:  rec.ID,
		Checkpoint: rec.Checkpoint,
		Reason:     reason,
	}
}
