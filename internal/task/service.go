package task

import (
	"context"
	"fmt"
	"io"
	"time"

	"dripbot/internal/eventbus"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// TaskStore is the persistence slice the facade needs. The full store
// carries more (transitions, attachment metadata) for the scheduler side.
type TaskStore interface {
	Create(ctx context.Context, t *DeliveryTask, quota int) (int64, error)
	Get(ctx context.Context, id int64) (DeliveryTask, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]Summary, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	SetNotifyPref(ctx context.Context, ownerID int64, enabled bool) error
}

// AttachmentSaver persists uploaded payload media.
type AttachmentSaver interface {
	Save(ctx context.Context, r io.Reader, kind kit.MediaKind) (string, error)
	Remove(ctx context.Context, id string) error
}

// Dispatcher receives low-latency queue updates for local changes.
type Dispatcher interface {
	Add(id int64, at time.Time, priority int)
	Remove(id int64)
}

// CreateRequest describes a new delivery task as the command layer hands
// it over, before validation.
type CreateRequest struct {
	OwnerID    int64
	Target     kit.Target
	Text       string
	Attachment io.Reader // optional media body
	MediaKind  kit.MediaKind
	Schedule   Schedule
	Priority   int
}

// Service is the external surface for creating and managing tasks. The
// scheduler loop owns status transitions; this facade only creates,
// cancels, and reads.
type Service struct {
	store      TaskStore
	attach     AttachmentSaver
	dispatcher Dispatcher
	bus        eventbus.Bus
	limits     Limits
	log        logx.Logger
	now        func() time.Time
}

func NewService(store TaskStore, attach AttachmentSaver, dispatcher Dispatcher, bus eventbus.Bus, limits Limits, log logx.Logger) *Service {
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:      store,
		attach:     attach,
		dispatcher: dispatcher,
		bus:        bus,
		limits:     limits,
		log:        log,
		now:        time.Now,
	}
}

// Create validates, persists, and enqueues a new task. Validation and
// quota violations surface synchronously so the caller can tell the user.
func (s *Service) Create(ctx context.Context, req CreateRequest) (int64, error) {
	if err := ValidateTarget(req.Target); err != nil {
		return 0, err
	}
	now := s.now()
	if err := req.Schedule.Validate(now, s.limits); err != nil {
		return 0, err
	}
	if req.Text == "" && req.Attachment == nil {
		return 0, ErrEmptyPayload
	}
	if req.Attachment != nil && !req.MediaKind.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrBadMediaKind, req.MediaKind)
	}

	var attachmentID string
	if req.Attachment != nil {
		id, err := s.attach.Save(ctx, req.Attachment, req.MediaKind)
		if err != nil {
			return 0, fmt.Errorf("save attachment: %w", err)
		}
		attachmentID = id
	}

	t := &DeliveryTask{
		OwnerID: req.OwnerID,
		Target:  req.Target,
		Payload: Payload{
			Text:         req.Text,
			AttachmentID: attachmentID,
			MediaKind:    req.MediaKind,
		},
		Schedule:   req.Schedule,
		Priority:   req.Priority,
		Status:     req.Schedule.InitialStatus(),
		NextSendAt: req.Schedule.FirstSendAt(now),
		CreatedAt:  now,
	}

	quota := s.limits.MaxScheduledPerUser
	if req.Schedule.Kind == ScheduleRecurring {
		quota = s.limits.MaxRecurringPerUser
	}

	id, err := s.store.Create(ctx, t, quota)
	if err != nil {
		// The row never landed; don't leak the attachment bytes.
		if attachmentID != "" {
			if rmErr := s.attach.Remove(ctx, attachmentID); rmErr != nil {
				s.log.Warn("orphan attachment cleanup failed",
					logx.String("attachment_id", attachmentID), logx.Err(rmErr))
			}
		}
		return 0, err
	}

	s.dispatcher.Add(id, t.NextSendAt, t.Priority)
	s.publish(eventbus.TaskCreated, id)
	s.log.Info("task created",
		logx.Int64("task_id", id),
		logx.Int64("owner_id", req.OwnerID),
		logx.String("schedule", string(req.Schedule.Kind)),
		logx.Time("next_send_at", t.NextSendAt))
	return id, nil
}

// Cancel marks a task cancelled. Owners may cancel their own tasks;
// admin bypasses the ownership check. Cancelling an already-terminal task
// is a no-op.
func (s *Service) Cancel(ctx context.Context, ownerID, id int64, admin bool) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !admin && t.OwnerID != ownerID {
		return ErrNotOwner
	}

	applied, err := s.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if applied {
		s.dispatcher.Remove(id)
		s.publish(eventbus.TaskCancelled, id)
		s.log.Info("task cancelled",
			logx.Int64("task_id", id), logx.Bool("admin", admin))
	}
	return nil
}

// List returns the owner's tasks, terminal ones included.
func (s *Service) List(ctx context.Context, ownerID int64) ([]Summary, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Status returns one task. Non-admin callers only see their own.
func (s *Service) Status(ctx context.Context, ownerID, id int64, admin bool) (DeliveryTask, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return DeliveryTask{}, err
	}
	if !admin && t.OwnerID != ownerID {
		return DeliveryTask{}, ErrNotOwner
	}
	return t, nil
}

// SetNotifyPref toggles outcome notifications for an owner.
func (s *Service) SetNotifyPref(ctx context.Context, ownerID int64, enabled bool) error {
	return s.store.SetNotifyPref(ctx, ownerID, enabled)
}

func (s *Service) publish(typ string, id int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: id})
}
