// internal/model/status.go
package model

// EmailStatus is the lifecycle state of a tracked email.
type EmailStatus string

const (
	EmailPending    EmailStatus = "pending"
	EmailResponded  EmailStatus = "responded"
	EmailStopped    EmailStatus = "stopped"
	EmailMaxReached EmailStatus = "max_reached"
	EmailExpired    EmailStatus = "expired"
	EmailBounced    EmailStatus = "bounced"
)

// Terminal reports whether the status can only be left through an
// administrative resume.
func (s EmailStatus) Terminal() bool {
	switch s {
	case EmailResponded, EmailStopped, EmailMaxReached, EmailExpired, EmailBounced:
		return true
	}
	return false
}

var emailTransitions = map[EmailStatus][]EmailStatus{
	EmailPending:    {EmailResponded, EmailStopped, EmailMaxReached, EmailExpired, EmailBounced},
	EmailResponded:  {EmailPending},
	EmailStopped:    {EmailPending},
	EmailMaxReached: {EmailPending},
	EmailExpired:    {EmailPending},
	EmailBounced:    {EmailPending},
}

// CanTransitionEmail reports whether from -> to is in the tracked email
// transition table. Terminal -> pending is only issued by Resume.
func CanTransitionEmail(from, to EmailStatus) bool {
	for _, next := range emailTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FollowupStatus is the lifecycle state of a single follow-up attempt.
type FollowupStatus string

const (
	FollowupScheduled FollowupStatus = "scheduled"
	FollowupSent      FollowupStatus = "sent"
	FollowupCancelled FollowupStatus = "cancelled"
	FollowupFailed    FollowupStatus = "failed"
)

var followupTransitions = map[FollowupStatus][]FollowupStatus{
	FollowupScheduled: {FollowupSent, FollowupCancelled, FollowupFailed},
}

// CanTransitionFollowup reports whether from -> to is allowed. Every
// follow-up state other than scheduled is terminal.
func CanTransitionFollowup(from, to FollowupStatus) bool {
	for _, next := range followupTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BounceState models the processed flag of a bounce record.
type BounceState string

const (
	BounceUnprocessed BounceState = "unprocessed"
	BounceProcessed   BounceState = "processed"
)

// CanTransitionBounce only allows unprocessed -> processed.
func CanTransitionBounce(from, to BounceState) bool {
	return from == BounceUnprocessed && to == BounceProcessed
}

// StateOf maps the persisted processed flag to a BounceState.
func StateOf(processed bool) BounceState {
	if processed {
		return BounceProcessed
	}
	return BounceUnprocessed
}
