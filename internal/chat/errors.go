package chat

import "errors"

// Reject codes for business-rule rejections.
const (
	ErrCodeInvalidInput    = "invalid_input"
	ErrCodeInvalidFormat   = "invalid_format"
	ErrCodeAlreadyJoined   = "already_joined"
	ErrCodeUsernameTaken   = "username_taken"
	ErrCodeRoomFull        = "room_full"
	ErrCodeNotFound        = "not_found"
	ErrCodeForbidden       = "forbidden"
	ErrCodeSessionMismatch = "session_mismatch"
	ErrCodeEmptyContent    = "empty_content"
	ErrCodeInvalidContent  = "invalid_content"
	ErrCodeValidation      = "validation"
	ErrCodeRateLimited     = "rate_limited"
)

var (
	ErrRoomFull      = errors.New("room full")
	ErrUsernameTaken = errors.New("username taken")
	ErrNotFound      = errors.New("user not found")
	ErrForbidden     = errors.New("operation forbidden")
)

// RejectError wraps a code and a human-readable message for an expected
// business-rule rejection. It is reported to the caller, never logged as a
// server error.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

// Reject builds a RejectError.
func Reject(code, msg string) *RejectError {
	return &RejectError{Code: code, Message: msg}
}

// RejectCode extracts the reject code from err, or "" if err is not a
// RejectError.
func RejectCode(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
