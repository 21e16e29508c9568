// Package attach stores delivery attachments on disk with quota and TTL
// enforcement. Metadata lives in the task store; this package owns the
// bytes and the sweep.
package attach

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dripbot/internal/task/store"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

var (
	ErrTooLarge      = errors.New("attachment exceeds the per-file limit")
	ErrQuotaExceeded = errors.New("attachment storage quota exceeded")
	ErrNotFound      = errors.New("attachment not found")
)

// Meta is the metadata slice of the task store the attachment store needs.
type Meta interface {
	PutAttachment(ctx context.Context, m store.AttachmentMeta) error
	GetAttachment(ctx context.Context, id string) (store.AttachmentMeta, bool, error)
	DeleteAttachment(ctx context.Context, id string) error
	AttachmentsOlderThan(ctx context.Context, cutoff time.Time) ([]store.AttachmentMeta, error)
}

type Config struct {
	Dir          string
	MaxFileBytes int64 // 0 disables the per-file cap
	MaxTotal     int64 // 0 disables the directory cap
}

type Store struct {
	cfg  Config
	meta Meta
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, meta Meta, log logx.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attach dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{cfg: cfg, meta: meta, log: log, now: time.Now}, nil
}

// Save streams r to disk and records its metadata. The directory quota is
// checked both before the write and against the actual size afterwards;
// a violating file is discarded.
func (s *Store) Save(ctx context.Context, r io.Reader, kind kit.MediaKind) (string, error) {
	if s.cfg.MaxTotal > 0 {
		used, err := s.usage()
		if err != nil {
			return "", err
		}
		if used >= s.cfg.MaxTotal {
			return "", ErrQuotaExceeded
		}
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.Dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	limit := s.cfg.MaxFileBytes
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if limit > 0 && n > limit {
		_ = os.Remove(path)
		return "", ErrTooLarge
	}
	if s.cfg.MaxTotal > 0 {
		used, uerr := s.usage()
		if uerr == nil && used > s.cfg.MaxTotal {
			_ = os.Remove(path)
			return "", ErrQuotaExceeded
		}
	}

	err = s.meta.PutAttachment(ctx, store.AttachmentMeta{
		ID:        id,
		Kind:      kind,
		SizeBytes: n,
		Path:      path,
		CreatedAt: s.now(),
	})
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return id, nil
}

// Resolve returns the on-disk path for an attachment id.
func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	m, found, err := s.meta.GetAttachment(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	if _, err := os.Stat(m.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: file missing for %s", ErrNotFound, id)
		}
		return "", err
	}
	return m.Path, nil
}

// Remove deletes the file and its metadata. Missing files are not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	m, found, err := s.meta.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if found {
		if err := os.Remove(m.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return s.meta.DeleteAttachment(ctx, id)
}

// Sweep deletes attachments older than ttl that are not pinned. Attachments
// referenced by a non-terminal task stay on disk regardless of age.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration, pinned map[string]struct{}) (int, error) {
	stale, err := s.meta.AttachmentsOlderThan(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range stale {
		if _, ok := pinned[m.ID]; ok {
			continue
		}
		if err := s.Remove(ctx, m.ID); err != nil {
			s.log.Warn("attachment sweep: remove failed",
				logx.String("id", m.ID), logx.Err(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.cfg.Dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
