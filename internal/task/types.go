package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	kit "dripbot/internal/transport"
)

// Status is the lifecycle state of a DeliveryTask.
//
// Transitions are monotonic: once a task reaches a terminal status it never
// leaves it. The store enforces this with guarded updates, so replaying an
// outcome after a crash is a no-op rather than an error.
type Status string

const (
	StatusPending   Status = "pending" // one-shot, waiting for its instant
	StatusActive    Status = "active"  // recurring, between sends
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// ScheduleKind discriminates the two delivery shapes.
type ScheduleKind string

const (
	ScheduleOneShot   ScheduleKind = "oneshot"
	ScheduleRecurring ScheduleKind = "recurring"
)

// Schedule is either a single instant or a fixed-interval repetition with a
// hard end time. Exactly one form is active per task.
type Schedule struct {
	Kind     ScheduleKind
	At       time.Time     // oneshot only
	Interval time.Duration // recurring only
	EndTime  time.Time     // recurring only
}

// Limits bound what owners may create.
type Limits struct {
	MinInterval         time.Duration
	MaxDuration         time.Duration // max (end_time - creation) for recurring tasks
	MaxScheduledPerUser int
	MaxRecurringPerUser int
}

func DefaultLimits() Limits {
	return Limits{
		MinInterval:         30 * time.Second,
		MaxDuration:         30 * 24 * time.Hour,
		MaxScheduledPerUser: 20,
		MaxRecurringPerUser: 5,
	}
}

// Validate checks the schedule against lim relative to now.
func (s Schedule) Validate(now time.Time, lim Limits) error {
	switch s.Kind {
	case ScheduleOneShot:
		if s.At.IsZero() {
			return fmt.Errorf("%w: send time required", ErrInvalidSchedule)
		}
		if s.Interval != 0 || !s.EndTime.IsZero() {
			return fmt.Errorf("%w: one-shot task cannot carry interval fields", ErrInvalidSchedule)
		}
	case ScheduleRecurring:
		if s.Interval < lim.MinInterval {
			return fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidSchedule, s.Interval, lim.MinInterval)
		}
		if s.EndTime.IsZero() || !s.EndTime.After(now) {
			return fmt.Errorf("%w: end time must be in the future", ErrInvalidSchedule)
		}
		if lim.MaxDuration > 0 && s.EndTime.Sub(now) > lim.MaxDuration {
			return fmt.Errorf("%w: run window exceeds maximum %s", ErrInvalidSchedule, lim.MaxDuration)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// FirstSendAt is the initial queue key for a freshly created task.
// Recurring tasks fire immediately and then every interval.
func (s Schedule) FirstSendAt(now time.Time) time.Time {
	if s.Kind == ScheduleOneShot {
		return s.At
	}
	return now
}

// InitialStatus is the lifecycle entry state for this schedule shape.
func (s Schedule) InitialStatus() Status {
	if s.Kind == ScheduleRecurring {
		return StatusActive
	}
	return StatusPending
}

// Payload is the deliverable content: text body plus an optional attachment
// reference resolved via the attachment store at send time.
type Payload struct {
	Text         string
	AttachmentID string
	MediaKind    kit.MediaKind
}

func (p Payload) Empty() bool { return strings.TrimSpace(p.Text) == "" && p.AttachmentID == "" }

// DeliveryTask is the central persisted entity.
//
// The scheduler loop is the sole mutator of Status, NextSendAt and
// RetryCount; everything else is immutable after creation.
type DeliveryTask struct {
	ID         int64
	OwnerID    int64
	Target     kit.Target
	Payload    Payload
	Schedule   Schedule
	Priority   int
	Status     Status
	NextSendAt time.Time
	RetryCount int
	FailReason string
	CreatedAt  time.Time
}

// Summary is the owner-facing listing row.
type Summary struct {
	ID         int64
	Target     kit.Target
	Kind       ScheduleKind
	Status     Status
	NextSendAt time.Time
	Priority   int
}

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

// ValidateTarget checks a destination against the external addressing scheme.
// A target is either a numeric chat id or a public @username; users cannot be
// addressed by username here because the transport resolves usernames only
// for groups and channels.
func ValidateTarget(t kit.Target) error {
	switch t.Kind {
	case kit.TargetUser, kit.TargetGroup, kit.TargetChannel:
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidTarget, t.Kind)
	}
	hasID := t.ChatID != 0
	hasName := strings.TrimSpace(t.Username) != ""
	if hasID == hasName {
		return fmt.Errorf("%w: exactly one of chat id / username required", ErrInvalidTarget)
	}
	if hasName {
		if t.Kind == kit.TargetUser {
			return fmt.Errorf("%w: users must be addressed by chat id", ErrInvalidTarget)
		}
		name := strings.TrimPrefix(t.Username, "@")
		if !usernameRe.MatchString(name) {
			return fmt.Errorf("%w: malformed username %q", ErrInvalidTarget, t.Username)
		}
	}
	if hasID && t.Kind == kit.TargetUser && t.ChatID < 0 {
		return fmt.Errorf("%w: user chat id must be positive", ErrInvalidTarget)
	}
	return nil
}
