package types

import (
	"context"
	"errors"
)

// stable error codes used on the wire
const (
	CodePageNotFound       = "page_not_found"
	CodeInvalidPagePath    = "invalid_page_path"
	CodeInvalidPageContent = "invalid_page_content"
	CodeLockTimeout        = "lock_timeout"
	CodeNotLockOwner       = "not_lock_owner"
	CodeCanceled           = "canceled"
	CodeInternal           = "internal"
)

var codeErrors = map[string]error{
	CodePageNotFound:       ErrPageNotFound,
	CodeInvalidPagePath:    ErrInvalidPagePath,
	CodeInvalidPageContent: ErrInvalidPageContent,
	CodeLockTimeout:        ErrLockTimeout,
	CodeNotLockOwner:       ErrNotLockOwner,
	CodeCanceled:           context.Canceled,
}

// maps an error to its wire code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPageNotFound):
		return CodePageNotFound
	case errors.Is(err, ErrInvalidPagePath):
		return CodeInvalidPagePath
	case errors.Is(err, ErrInvalidPageContent):
		return CodeInvalidPageContent
	case errors.Is(err, ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, ErrNotLockOwner):
		return CodeNotLockOwner
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// sentinel for a wire code, nil for unknown codes
func ErrorFromCode(code string) error {
	return codeErrors[code]
}
