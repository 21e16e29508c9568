package task

import "errors"

var (
	ErrNotFound        = errors.New("task not found")
	ErrNotOwner        = errors.New("task belongs to another user")
	ErrInvalidTarget   = errors.New("invalid target")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrQuotaExceeded   = errors.New("task quota exceeded")
	ErrEmptyPayload    = errors.New("payload is empty")
	ErrBadMediaKind    = errors.New("unsupported media kind")
)
