package pipehttp

import "github.com/pipehttp/pipehttp/internal/errs"

// Stable error codes carried by every error this module produces. Match
// with ErrorCode rather than message text.
const (
	ErrInvalidArg            = errs.CodeInvalidArg
	ErrTimeout               = errs.CodeTimeout
	ErrAborted               = errs.CodeAborted
	ErrDestroyed             = errs.CodeDestroyed
	ErrClosed                = errs.CodeClosed
	ErrSocket                = errs.CodeSocket
	ErrInfo                  = errs.CodeInfo
	ErrHeadersTimeout        = errs.CodeHeadersTimeout
	ErrBodyTimeout           = errs.CodeBodyTimeout
	ErrHeadersOverflow       = errs.CodeHeadersOverflow
	ErrConnectTimeout        = errs.CodeConnectTimeout
	ErrTrailerMismatch       = errs.CodeTrailerMismatch
	ErrContentLengthMismatch = errs.CodeContentLengthMismatch
	ErrNotSupported          = errs.CodeNotSupported
)

// ErrorCode returns the stable code of err, or "" for foreign errors.
func ErrorCode(err error) string { return errs.CodeOf(err) }
