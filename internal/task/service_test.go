package task

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type memStore struct {
	nextID int64
	rows   map[int64]DeliveryTask
	prefs  map[int64]bool
	failTx error // injected Create failure
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]DeliveryTask{}, prefs: map[int64]bool{}}
}

func (m *memStore) Create(_ context.Context, t *DeliveryTask, quota int) (int64, error) {
	if m.failTx != nil {
		return 0, m.failTx
	}
	if quota > 0 {
		n := 0
		for _, r := range m.rows {
			if r.OwnerID == t.OwnerID && r.Schedule.Kind == t.Schedule.Kind && !r.Status.Terminal() {
				n++
			}
		}
		if n >= quota {
			return 0, ErrQuotaExceeded
		}
	}
	m.nextID++
	t.ID = m.nextID
	m.rows[t.ID] = *t
	return t.ID, nil
}

func (m *memStore) Get(_ context.Context, id int64) (DeliveryTask, error) {
	t, ok := m.rows[id]
	if !ok {
		return DeliveryTask{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListByOwner(_ context.Context, ownerID int64) ([]Summary, error) {
	var out []Summary
	for _, t := range m.rows {
		if t.OwnerID == ownerID {
			out = append(out, Summary{ID: t.ID, Target: t.Target, Kind: t.Schedule.Kind, Status: t.Status, NextSendAt: t.NextSendAt, Priority: t.Priority})
		}
	}
	return out, nil
}

func (m *memStore) Cancel(_ context.Context, id int64) (bool, error) {
	t, ok := m.rows[id]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = StatusCancelled
	m.rows[id] = t
	return true, nil
}

func (m *memStore) SetNotifyPref(_ context.Context, ownerID int64, enabled bool) error {
	m.prefs[ownerID] = enabled
	return nil
}

type memSaver struct {
	saved   []string
	removed []string
	err     error
}

func (m *memSaver) Save(_ context.Context, _ io.Reader, _ kit.MediaKind) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	id := "att-" + string(rune('a'+len(m.saved)))
	m.saved = append(m.saved, id)
	return id, nil
}

func (m *memSaver) Remove(_ context.Context, id string) error {
	m.removed = append(m.removed, id)
	return nil
}

type memDispatcher struct {
	added   []int64
	removed []int64
}

func (d *memDispatcher) Add(id int64, _ time.Time, _ int) { d.added = append(d.added, id) }
func (d *memDispatcher) Remove(id int64)                  { d.removed = append(d.removed, id) }

type fixture struct {
	store      *memStore
	saver      *memSaver
	dispatcher *memDispatcher
	svc        *Service
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), saver: &memSaver{}, dispatcher: &memDispatcher{}}
	f.svc = NewService(f.store, f.saver, f.dispatcher, nil, Limits{
		MinInterval:         30 * time.Second,
		MaxDuration:         24 * time.Hour,
		MaxScheduledPerUser: 2,
		MaxRecurringPerUser: 1,
	}, logx.Nop())
	return f
}

func validOneShot(owner int64) CreateRequest {
	return CreateRequest{
		OwnerID:  owner,
		Target:   kit.Target{Kind: kit.TargetUser, ChatID: owner},
		Text:     "hello",
		Schedule: Schedule{Kind: ScheduleOneShot, At: time.Now().Add(time.Hour)},
	}
}

func TestCreateValidOneShot(t *testing.T) {
	t.Parallel()
	f := newFixture()

	id, err := f.svc.Create(context.Background(), validOneShot(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := f.store.rows[id]
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if len(f.dispatcher.added) != 1 || f.dispatcher.added[0] != id {
		t.Fatalf("dispatcher adds = %v", f.dispatcher.added)
	}
}

func TestCreateValidRecurring(t *testing.T) {
	t.Parallel()
	f := newFixture()

	id, err := f.svc.Create(context.Background(), CreateRequest{
		OwnerID:  1,
		Target:   kit.Target{Kind: kit.TargetGroup, ChatID: -10},
		Text:     "tick",
		Schedule: Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := f.store.rows[id]
	if got.Status != StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	// Fires immediately.
	if got.NextSendAt.After(time.Now()) {
		t.Fatalf("next_send_at = %v, want <= now", got.NextSendAt)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	badTarget := validOneShot(1)
	badTarget.Target = kit.Target{Kind: kit.TargetUser}
	if _, err := f.svc.Create(ctx, badTarget); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("bad target: err = %v", err)
	}

	badSchedule := validOneShot(1)
	badSchedule.Schedule = Schedule{Kind: ScheduleRecurring, Interval: time.Second, EndTime: time.Now().Add(time.Hour)}
	if _, err := f.svc.Create(ctx, badSchedule); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad schedule: err = %v", err)
	}

	empty := validOneShot(1)
	empty.Text = ""
	if _, err := f.svc.Create(ctx, empty); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload: err = %v", err)
	}

	// A bad media kind is rejected here, not at send time.
	badKind := validOneShot(1)
	badKind.Attachment = strings.NewReader("bytes")
	badKind.MediaKind = "sticker"
	if _, err := f.svc.Create(ctx, badKind); !errors.Is(err, ErrBadMediaKind) {
		t.Fatalf("bad media kind: err = %v", err)
	}

	if len(f.store.rows) != 0 {
		t.Fatalf("%d rows persisted for rejected requests", len(f.store.rows))
	}
	if len(f.dispatcher.added) != 0 {
		t.Fatal("rejected request reached the dispatcher")
	}
}

func TestCreateQuotaPerKind(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Create(ctx, validOneShot(1)); err != nil {
			t.Fatalf("oneshot %d: %v", i, err)
		}
	}
	if _, err := f.svc.Create(ctx, validOneShot(1)); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third oneshot: err = %v", err)
	}

	// Recurring has its own, separate cap.
	rec := CreateRequest{
		OwnerID:  1,
		Target:   kit.Target{Kind: kit.TargetGroup, ChatID: -10},
		Text:     "tick",
		Schedule: Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: time.Now().Add(time.Hour)},
	}
	if _, err := f.svc.Create(ctx, rec); err != nil {
		t.Fatalf("first recurring: %v", err)
	}
	if _, err := f.svc.Create(ctx, rec); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second recurring: err = %v", err)
	}
}

func TestCreateCleansUpAttachmentOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.store.failTx = errors.New("disk full")

	req := validOneShot(1)
	req.Attachment = strings.NewReader("img")
	req.MediaKind = kit.MediaPhoto
	if _, err := f.svc.Create(context.Background(), req); err == nil {
		t.Fatal("expected create to fail")
	}
	if len(f.saver.removed) != 1 {
		t.Fatalf("orphan attachment not removed: %v", f.saver.removed)
	}
}

func TestCancelOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	id, err := f.svc.Create(ctx, validOneShot(1))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Cancel(ctx, 2, id, false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign cancel: err = %v", err)
	}
	if f.store.rows[id].Status == StatusCancelled {
		t.Fatal("foreign cancel applied")
	}

	if err := f.svc.Cancel(ctx, 1, id, false); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if f.store.rows[id].Status != StatusCancelled {
		t.Fatal("owner cancel not applied")
	}
	if len(f.dispatcher.removed) != 1 || f.dispatcher.removed[0] != id {
		t.Fatalf("dispatcher removals = %v", f.dispatcher.removed)
	}

	// Cancelling a terminal task is a quiet no-op.
	if err := f.svc.Cancel(ctx, 1, id, false); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestCancelAdminBypass(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	id, _ := f.svc.Create(ctx, validOneShot(1))
	if err := f.svc.Cancel(ctx, 99, id, true); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if f.store.rows[id].Status != StatusCancelled {
		t.Fatal("admin cancel not applied")
	}
}

func TestStatusOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	id, _ := f.svc.Create(ctx, validOneShot(1))
	if _, err := f.svc.Status(ctx, 1, id, false); err != nil {
		t.Fatalf("owner status: %v", err)
	}
	if _, err := f.svc.Status(ctx, 2, id, false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign status: err = %v", err)
	}
	if _, err := f.svc.Status(ctx, 2, id, true); err != nil {
		t.Fatalf("admin status: %v", err)
	}
	if _, err := f.svc.Status(ctx, 1, id+99, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: err = %v", err)
	}
}
