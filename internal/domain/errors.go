package domain

import "errors"

// Common errors used throughout the application.
var (
	ErrEmptyName              = errors.New("group name must not be empty")
	ErrDuplicateGroup         = errors.New("group already exists")
	ErrGroupNotFound          = errors.New("group not found")
	ErrMalformedRecord        = errors.New("malformed record")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrNoGroupSelected        = errors.New("no group selected")
	ErrNothingSelected        = errors.New("no records selected")
	ErrClosed                 = errors.New("history is closed")
)

// Error codes for reporting errors to a presentation layer.
const (
	ErrCodeEmptyName              = "EMPTY_NAME"
	ErrCodeDuplicateGroup         = "DUPLICATE_GROUP"
	ErrCodeGroupNotFound          = "GROUP_NOT_FOUND"
	ErrCodeMalformedRecord        = "MALFORMED_RECORD"
	ErrCodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
	ErrCodeNoGroupSelected        = "NO_GROUP_SELECTED"
	ErrCodeNothingSelected        = "NOTHING_SELECTED"
	ErrCodeClosed                 = "CLOSED"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrEmptyName, ErrCodeEmptyName},
	{ErrDuplicateGroup, ErrCodeDuplicateGroup},
	{ErrGroupNotFound, ErrCodeGroupNotFound},
	{ErrMalformedRecord, ErrCodeMalformedRecord},
	{ErrPersistenceUnavailable, ErrCodePersistenceUnavailable},
	{ErrNoGroupSelected, ErrCodeNoGroupSelected},
	{ErrNothingSelected, ErrCodeNothingSelected},
	{ErrClosed, ErrCodeClosed},
}

// ErrorCode maps an error chain to its stable code. Unknown errors map to
// ErrCodeInternalError and nil maps to "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ErrCodeInternalError
}
