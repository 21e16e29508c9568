package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dripbot/internal/task"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("task store opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, owner_id, target_kind, chat_id, username, thread_id,
body, attachment_id, media_kind, schedule_kind, send_at, interval_ms, end_time,
priority, status, next_send_at, retry_count, fail_reason, created_at`

func (s *sqliteStore) Create(ctx context.Context, t *task.DeliveryTask, quota int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if quota > 0 {
		var n int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks
			 WHERE owner_id = ? AND schedule_kind = ? AND status IN ('pending','active')`,
			t.OwnerID, string(t.Schedule.Kind),
		).Scan(&n)
		if err != nil {
			return 0, err
		}
		if n >= quota {
			return 0, task.ErrQuotaExceeded
		}
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO tasks (owner_id, target_kind, chat_id, username, thread_id,
  body, attachment_id, media_kind, schedule_kind, send_at, interval_ms, end_time,
  priority, status, next_send_at, retry_count, fail_reason, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,'',?)`,
		t.OwnerID, string(t.Target.Kind), t.Target.ChatID, t.Target.Username, t.Target.ThreadID,
		t.Payload.Text, t.Payload.AttachmentID, string(t.Payload.MediaKind),
		string(t.Schedule.Kind), ms(t.Schedule.At), t.Schedule.Interval.Milliseconds(), ms(t.Schedule.EndTime),
		t.Priority, string(t.Status), ms(t.NextSendAt), ms(t.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (task.DeliveryTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.DeliveryTask{}, task.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListByOwner(ctx context.Context, ownerID int64) ([]task.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_kind, chat_id, username, thread_id, schedule_kind, status, next_send_at, priority
		 FROM tasks WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Summary
	for rows.Next() {
		var (
			sm                      task.Summary
			kind, schedKind, status string
			nextMs                  int64
		)
		if err := rows.Scan(&sm.ID, &kind, &sm.Target.ChatID, &sm.Target.Username, &sm.Target.ThreadID,
			&schedKind, &status, &nextMs, &sm.Priority); err != nil {
			return nil, err
		}
		sm.Target.Kind = kit.TargetKind(kind)
		sm.Kind = task.ScheduleKind(schedKind)
		sm.Status = task.Status(status)
		sm.NextSendAt = fromMs(nextMs)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Due(ctx context.Context, horizon time.Time) ([]task.DeliveryTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status IN ('pending','active') AND next_send_at <= ?
ORDER BY next_send_at, priority DESC, id`, ms(horizon))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET status='sent' WHERE id = ? AND status = 'pending'`, id)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET status='failed', fail_reason=? WHERE id = ? AND status IN ('pending','active')`,
		reason, id)
}

func (s *sqliteStore) Cancel(ctx context.Context, id int64) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET status='cancelled' WHERE id = ? AND status IN ('pending','active')`, id)
}

func (s *sqliteStore) Complete(ctx context.Context, id int64) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET status='completed' WHERE id = ? AND status = 'active'`, id)
}

func (s *sqliteStore) AdvanceRecurring(ctx context.Context, id int64, next time.Time) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET next_send_at=?, retry_count=0 WHERE id = ? AND status = 'active'`,
		ms(next), id)
}

func (s *sqliteStore) BumpRetry(ctx context.Context, id int64, next time.Time) (bool, error) {
	return s.exec1(ctx,
		`UPDATE tasks SET retry_count=retry_count+1, next_send_at=? WHERE id = ? AND status IN ('pending','active')`,
		ms(next), id)
}

func (s *sqliteStore) NotifyPref(ctx context.Context, ownerID int64) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM notify_prefs WHERE owner_id = ?`, ownerID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil // default on
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

func (s *sqliteStore) SetNotifyPref(ctx context.Context, ownerID int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notify_prefs(owner_id, enabled) VALUES(?,?)
ON CONFLICT(owner_id) DO UPDATE SET enabled=excluded.enabled`, ownerID, v)
	return err
}

func (s *sqliteStore) PutAttachment(ctx context.Context, m AttachmentMeta) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attachments(id, kind, size_bytes, path, created_at) VALUES(?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, size_bytes=excluded.size_bytes,
  path=excluded.path, created_at=excluded.created_at`,
		m.ID, string(m.Kind), m.SizeBytes, m.Path, ms(m.CreatedAt))
	return err
}

func (s *sqliteStore) GetAttachment(ctx context.Context, id string) (AttachmentMeta, bool, error) {
	var (
		m    AttachmentMeta
		kind string
		cMs  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, size_bytes, path, created_at FROM attachments WHERE id = ?`, id).
		Scan(&m.ID, &kind, &m.SizeBytes, &m.Path, &cMs)
	if errors.Is(err, sql.ErrNoRows) {
		return AttachmentMeta{}, false, nil
	}
	if err != nil {
		return AttachmentMeta{}, false, err
	}
	m.Kind = kit.MediaKind(kind)
	m.CreatedAt = fromMs(cMs)
	return m, true, nil
}

func (s *sqliteStore) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AttachmentsOlderThan(ctx context.Context, cutoff time.Time) ([]AttachmentMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, size_bytes, path, created_at FROM attachments WHERE created_at < ? ORDER BY created_at`,
		ms(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentMeta
	for rows.Next() {
		var (
			m    AttachmentMeta
			kind string
			cMs  int64
		)
		if err := rows.Scan(&m.ID, &kind, &m.SizeBytes, &m.Path, &cMs); err != nil {
			return nil, err
		}
		m.Kind = kit.MediaKind(kind)
		m.CreatedAt = fromMs(cMs)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveAttachmentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT attachment_id FROM tasks
		 WHERE attachment_id != '' AND status IN ('pending','active')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('sent','failed','cancelled','completed') AND created_at < ?`,
		ms(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) exec1(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.DeliveryTask, error) {
	var (
		t                           task.DeliveryTask
		targetKind, mediaKind       string
		schedKind, status           string
		sendAtMs, intervalMs, endMs int64
		nextMs, createdMs           int64
	)
	err := r.Scan(&t.ID, &t.OwnerID, &targetKind, &t.Target.ChatID, &t.Target.Username, &t.Target.ThreadID,
		&t.Payload.Text, &t.Payload.AttachmentID, &mediaKind,
		&schedKind, &sendAtMs, &intervalMs, &endMs,
		&t.Priority, &status, &nextMs, &t.RetryCount, &t.FailReason, &createdMs)
	if err != nil {
		return task.DeliveryTask{}, err
	}
	t.Target.Kind = kit.TargetKind(targetKind)
	t.Payload.MediaKind = kit.MediaKind(mediaKind)
	t.Schedule = task.Schedule{
		Kind:     task.ScheduleKind(schedKind),
		At:       fromMs(sendAtMs),
		Interval: time.Duration(intervalMs) * time.Millisecond,
		EndTime:  fromMs(endMs),
	}
	t.Status = task.Status(status)
	t.NextSendAt = fromMs(nextMs)
	t.CreatedAt = fromMs(createdMs)
	return t, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
