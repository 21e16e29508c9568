package delivery

import "time"

// OutcomeKind tags the result of a single delivery attempt.
type OutcomeKind int

const (
	// OutcomeSent means the message was accepted by the transport.
	OutcomeSent OutcomeKind = iota
	// OutcomeTransient means the attempt failed but a later retry may
	// succeed. Wait is how long to hold off before the next attempt.
	OutcomeTransient
	// OutcomeFatal means retrying cannot help (bad target, forbidden).
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one send attempt.
type Outcome struct {
	Kind   OutcomeKind
	Wait   time.Duration // transient only
	Reason string        // fatal only
	Err    error
}

func Sent() Outcome { return Outcome{Kind: OutcomeSent} }

func Transient(wait time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Wait: wait, Err: err}
}

func Fatal(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Err: err}
}
