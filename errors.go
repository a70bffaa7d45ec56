package lifecycle

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeNotFound             = "LIFECYCLE_NOT_FOUND"
	CodeInvalidDefinition    = "LIFECYCLE_INVALID_DEFINITION"
	CodeInvalidPolicy        = "LIFECYCLE_INVALID_POLICY"
	CodeNoInitialState       = "LIFECYCLE_NO_INITIAL_STATE"
	CodePreconditionFailed   = "LIFECYCLE_PRECONDITION_FAILED"
	CodeInvalidAckTransition = "LIFECYCLE_INVALID_ACK_TRANSITION"
	CodeConflict             = "LIFECYCLE_CONFLICT"
	CodeStorage              = "LIFECYCLE_STORAGE"
	CodeSubscriberFailed     = "LIFECYCLE_SUBSCRIBER_FAILED"
)

var (
	ErrNotFound = apperrors.New("not found", apperrors.CategoryBadInput).
			WithTextCode(CodeNotFound)
	ErrInvalidDefinition = apperrors.New("invalid definition", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidDefinition)
	ErrInvalidPolicy = apperrors.New("invalid policy", apperrors.CategoryValidation).
				WithTextCode(CodeInvalidPolicy)
	ErrNoInitialState = apperrors.New("no initial state", apperrors.CategoryBadInput).
				WithTextCode(CodeNoInitialState)
	ErrPreconditionFailed = apperrors.New("precondition failed", apperrors.CategoryBadInput).
				WithTextCode(CodePreconditionFailed)
	ErrInvalidAckTransition = apperrors.New("invalid ack transition", apperrors.CategoryConflict).
				WithTextCode(CodeInvalidAckTransition)
	ErrConflict = apperrors.New("conflict", apperrors.CategoryConflict).
			WithTextCode(CodeConflict)
	ErrStorage = apperrors.New("storage failure", apperrors.CategoryExternal).
			WithTextCode(CodeStorage)
	ErrSubscriberFailed = apperrors.New("subscriber failed", apperrors.CategoryHandler).
				WithTextCode(CodeSubscriberFailed)
)

// NewError clones base with a site specific message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrPreconditionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "" for uncoded errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// WrapStorage tags an uncoded storage error, leaving coded and context errors untouched.
func WrapStorage(err error, message string, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	if ErrorCode(err) != "" || IsCanceled(err) {
		return err
	}
	return NewError(ErrStorage, message, err, metadata)
}
