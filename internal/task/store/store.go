package store

import (
	"context"
	"time"

	"dripbot/internal/task"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// AttachmentMeta is the persisted record of a stored attachment.
// The binary itself lives on disk under the attachment store's directory.
type AttachmentMeta struct {
	ID        string
	Kind      kit.MediaKind
	SizeBytes int64
	Path      string
	CreatedAt time.Time
}

// Store is durable CRUD over delivery tasks plus the two query shapes the
// scheduler needs: due tasks ordered for dispatch, and per-owner listings.
//
// All status mutations are single-row, atomic and idempotent: transitions
// are guarded by their legal predecessor states, so applying the same
// outcome twice is a no-op and a terminal status can never rewind. This is
// what makes crash-recovery replay safe.
type Store interface {
	// Create persists a new task. quota > 0 enforces the per-owner cap on
	// non-terminal tasks of the same schedule kind inside the same
	// transaction; task.ErrQuotaExceeded is returned without inserting.
	Create(ctx context.Context, t *task.DeliveryTask, quota int) (int64, error)
	Get(ctx context.Context, id int64) (task.DeliveryTask, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]task.Summary, error)

	// Due returns tasks with status pending/active and next_send_at <= horizon,
	// ordered by (next_send_at, priority DESC, id).
	Due(ctx context.Context, horizon time.Time) ([]task.DeliveryTask, error)

	// State transitions. Each reports whether a row changed; false with a
	// nil error means the transition was already applied or the task left
	// the predecessor state (e.g. cancelled underneath us).
	MarkSent(ctx context.Context, id int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	Complete(ctx context.Context, id int64) (bool, error)
	AdvanceRecurring(ctx context.Context, id int64, next time.Time) (bool, error)
	BumpRetry(ctx context.Context, id int64, next time.Time) (bool, error)

	// Notification preferences (default: enabled).
	NotifyPref(ctx context.Context, ownerID int64) (bool, error)
	SetNotifyPref(ctx context.Context, ownerID int64, enabled bool) error

	// Attachment metadata.
	PutAttachment(ctx context.Context, m AttachmentMeta) error
	GetAttachment(ctx context.Context, id string) (AttachmentMeta, bool, error)
	DeleteAttachment(ctx context.Context, id string) error
	AttachmentsOlderThan(ctx context.Context, cutoff time.Time) ([]AttachmentMeta, error)

	// ActiveAttachmentIDs returns attachment ids referenced by any
	// non-terminal task; the sweeper treats them as pinned.
	ActiveAttachmentIDs(ctx context.Context) (map[string]struct{}, error)

	// PruneTerminal deletes terminal tasks created before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Config configures the task store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Open initializes the sqlite-backed store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
