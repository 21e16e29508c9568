package transport

import (
	"context"
)

// TargetKind tags the addressing scheme of a delivery destination.
type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target is a delivery destination.
//
// Exactly one of ChatID / Username identifies the chat. Username is the
// "@channel" form without the leading '@'.
type Target struct {
	Kind     TargetKind
	ChatID   int64
	Username string
	ThreadID int // forum topic thread id (0 if none)
}

// MediaKind enumerates the attachment types the transport can carry.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// Valid reports whether k names a supported media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaPhoto, MediaVideo, MediaDocument, MediaAudio:
		return true
	}
	return false
}

// Payload is what gets sent in one delivery attempt.
//
// Text may be empty for media-only payloads. MediaPath is a local file path
// resolved by the attachment store; empty means text-only.
type Payload struct {
	Text      string
	MediaKind MediaKind
	MediaPath string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Client is the opaque "send to target" primitive the scheduler core drives.
//
// Implementations map their platform's failure modes onto the error wrappers
// in this package (Permanent, RetryAfter) so callers never inspect raw
// platform errors.
type Client interface {
	SendText(ctx context.Context, to Target, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to Target, p Payload, opt *SendOptions) (MessageRef, error)
	Close() error
}
