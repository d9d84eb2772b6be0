// Package errs defines the error taxonomy of the client. Every error carries
// a stable code so callers can match on behavior without depending on message
// text.
package errs

import "fmt"

// Stable error codes.
const (
	CodeInvalidArg            = "UND_ERR_INVALID_ARG"
	CodeTimeout               = "UND_ERR_TIMEOUT"
	CodeAborted               = "UND_ERR_ABORTED"
	CodeDestroyed             = "UND_ERR_DESTROYED"
	CodeClosed                = "UND_ERR_CLOSED"
	CodeSocket                = "UND_ERR_SOCKET"
	CodeInfo                  = "UND_ERR_INFO"
	CodeHeadersTimeout        = "UND_ERR_HEADERS_TIMEOUT"
	CodeBodyTimeout           = "UND_ERR_BODY_TIMEOUT"
	CodeHeadersOverflow       = "UND_ERR_HEADERS_OVERFLOW"
	CodeConnectTimeout        = "UND_ERR_CONNECT_TIMEOUT"
	CodeTrailerMismatch       = "UND_ERR_TRAILER_MISMATCH"
	CodeContentLengthMismatch = "UND_ERR_CONTENT_LENGTH_MISMATCH"
	CodeNotSupported          = "UND_ERR_NOT_SUPPORTED"
	CodeParse                 = "HPE_PARSE"
)

// Error is implemented by every error produced by this module.
type Error interface {
	error
	Code() string
}

type base struct {
	code string
	msg  string
	err  error
}

func (e *base) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *base) Code() string  { return e.code }
func (e *base) Unwrap() error { return e.err }

// Is matches any error of the same code, so sentinel comparisons with
// errors.Is work across independently constructed instances.
func (e *base) Is(target error) bool {
	if t, ok := target.(Error); ok {
		return t.Code() == e.code
	}
	return false
}

// InvalidArgError reports invalid dispatch options or client configuration.
type InvalidArgError struct{ base }

func NewInvalidArg(format string, args ...any) *InvalidArgError {
	return &InvalidArgError{base{code: CodeInvalidArg, msg: fmt.Sprintf(format, args...)}}
}

// TimeoutError is a per-phase timeout. Code distinguishes the phase.
type TimeoutError struct{ base }

func NewHeadersTimeout() *TimeoutError {
	return &TimeoutError{base{code: CodeHeadersTimeout, msg: "headers timeout"}}
}

func NewBodyTimeout() *TimeoutError {
	return &TimeoutError{base{code: CodeBodyTimeout, msg: "body timeout"}}
}

func NewConnectTimeout(host string) *TimeoutError {
	return &TimeoutError{base{code: CodeConnectTimeout, msg: "connect timeout to " + host}}
}

// AbortedError reports user-requested cancellation.
type AbortedError struct{ base }

func NewAborted() *AbortedError {
	return &AbortedError{base{code: CodeAborted, msg: "request aborted"}}
}

// ClosedError rejects dispatch on a closed client.
type ClosedError struct{ base }

func NewClosed() *ClosedError {
	return &ClosedError{base{code: CodeClosed, msg: "client closed"}}
}

// DestroyedError rejects dispatch on a destroyed client and fails requests
// drained during destroy.
type DestroyedError struct{ base }

func NewDestroyed() *DestroyedError {
	return &DestroyedError{base{code: CodeDestroyed, msg: "client destroyed"}}
}

// SocketError reports connection-level failures on an established
// connection: mid-flight resets, read and write errors, unexpected end of
// stream. Dial failures are reported as returned by the dialer.
type SocketError struct{ base }

func NewSocket(msg string, cause error) *SocketError {
	return &SocketError{base{code: CodeSocket, msg: "socket error: " + msg, err: cause}}
}

// InformationalError marks connection teardown that is part of normal
// operation, e.g. an upgrade handoff or a reset-tainted connection closing.
type InformationalError struct{ base }

func NewInfo(msg string) *InformationalError {
	return &InformationalError{base{code: CodeInfo, msg: msg}}
}

// HeadersOverflowError reports a response header section larger than the
// configured cap.
type HeadersOverflowError struct{ base }

func NewHeadersOverflow(limit int) *HeadersOverflowError {
	return &HeadersOverflowError{base{code: CodeHeadersOverflow, msg: fmt.Sprintf("response headers exceed %d bytes", limit)}}
}

// TrailerMismatchError reports advertised trailers missing from the trailing
// header block.
type TrailerMismatchError struct{ base }

func NewTrailerMismatch(name string) *TrailerMismatchError {
	return &TrailerMismatchError{base{code: CodeTrailerMismatch, msg: "advertised trailer missing: " + name}}
}

// ContentLengthMismatchError reports a request body that diverged from its
// declared content-length in strict mode.
type ContentLengthMismatchError struct{ base }

func NewContentLengthMismatch(declared, actual int64) *ContentLengthMismatchError {
	return &ContentLengthMismatchError{base{
		code: CodeContentLengthMismatch,
		msg:  fmt.Sprintf("request body length %d does not match content-length %d", actual, declared),
	}}
}

// NotSupportedError reports behavior the client deliberately does not
// implement.
type NotSupportedError struct{ base }

func NewNotSupported(what string) *NotSupportedError {
	return &NotSupportedError{base{code: CodeNotSupported, msg: what + " not supported"}}
}

// ParseError reports a malformed response.
type ParseError struct{ base }

func NewParse(format string, args ...any) *ParseError {
	return &ParseError{base{code: CodeParse, msg: fmt.Sprintf(format, args...)}}
}

// CodeOf extracts the stable code from err, or "" if err is not from this
// module.
func CodeOf(err error) string {
	if e, ok := err.(Error); ok {
		return e.Code()
	}
	return ""
}
