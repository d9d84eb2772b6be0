package model

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"

	"github.com/pipehttp/pipehttp/internal/errs"
)

// DispatchOptions describe one request. Origin components (scheme, host,
// port) belong to the client; only the path is per-request.
type DispatchOptions struct {
	// Origin selects the target for origin-routing dispatchers (agents);
	// clients and pools are bound to theirs and ignore it.
	Origin string

	Method  string
	Path    string
	Headers []Header
	Body    any

	// Idempotent overrides the method-derived default (GET/HEAD true).
	// Idempotent requests may pipeline and are retried after a mid-pipeline
	// connection loss.
	Idempotent *bool

	// Upgrade names the protocol to switch to. A 101 response hands the raw
	// connection to the handler's OnUpgrade; any other final response is
	// delivered through OnHeaders, OnData and OnComplete as usual.
	Upgrade string

	// Servername overrides the SNI name for this request.
	Servername string

	// Signal cancels the request when done. Optional.
	Signal context.Context

	// Zero means the client default.
	HeadersTimeout time.Duration
	BodyTimeout    time.Duration
}

// request lifecycle states; terminal states are absorbing.
const (
	stateActive int32 = iota
	stateCompleted
	stateErrored
	stateUpgraded
)

// Request is the validated, frozen form of DispatchOptions bound to a
// handler. The header blob and buffered body may be released after the
// request is written.
type Request struct {
	Method string
	Path   string

	// HeadersBlob holds the caller headers pre-serialized as
	// "name: value\r\n" lines.
	HeadersBlob []byte
	HostPresent bool

	// ContentLength is the caller-declared length, -1 when absent.
	ContentLength int64
	Body          *Body

	Idempotent bool
	Upgrade    string
	Servername string

	HeadersTimeout time.Duration
	BodyTimeout    time.Duration

	handler Handler
	state   atomic.Int32
	aborted atomic.Bool

	mu         sync.Mutex
	abortErr   error
	onAbort    func(*Request, error)
	stopSignal func() bool
}

var forbiddenHeaders = map[string]string{
	"transfer-encoding": "transfer-encoding is generated by the client",
	"connection":        "connection is generated by the client",
	"keep-alive":        "keep-alive is generated by the client",
	"upgrade":           "use the Upgrade dispatch option",
	"expect":            "expect",
}

// NewRequest validates opts into a Request. Validation failures return a
// typed error and leave the handler untouched.
func NewRequest(opts *DispatchOptions, h Handler) (*Request, error) {
	if h == nil {
		return nil, errs.NewInvalidArg("handler must not be nil")
	}
	if opts == nil {
		return nil, errs.NewInvalidArg("options must not be nil")
	}
	method := opts.Method
	if method == "" {
		return nil, errs.NewInvalidArg("method must not be empty")
	}
	// Methods share the token charset with header names.
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, errs.NewInvalidArg("invalid method %q", method)
	}
	if method == "CONNECT" {
		return nil, errs.NewNotSupported("CONNECT method")
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, errs.NewInvalidArg("path must start with /")
	}
	if opts.Upgrade != "" && !httpguts.ValidHeaderFieldValue(opts.Upgrade) {
		return nil, errs.NewInvalidArg("invalid upgrade protocol")
	}

	var blob bytes.Buffer
	hostPresent := false
	contentLength := int64(-1)
	for _, hd := range opts.Headers {
		if !httpguts.ValidHeaderFieldName(hd.Name) {
			return nil, errs.NewInvalidArg("invalid header name %q", hd.Name)
		}
		if !httpguts.ValidHeaderFieldValue(hd.Value) {
			return nil, errs.NewInvalidArg("invalid value for header %q", hd.Name)
		}
		lower := strings.ToLower(hd.Name)
		if reason, ok := forbiddenHeaders[lower]; ok {
			if lower == "expect" {
				return nil, errs.NewNotSupported("expect header")
			}
			return nil, errs.NewInvalidArg("forbidden header %q: %s", hd.Name, reason)
		}
		switch lower {
		case "content-length":
			n, err := strconv.ParseInt(strings.TrimSpace(hd.Value), 10, 64)
			if err != nil || n < 0 {
				return nil, errs.NewInvalidArg("invalid content-length %q", hd.Value)
			}
			contentLength = n
			continue // the writer emits its own framing headers
		case "host":
			hostPresent = true
		}
		blob.WriteString(hd.Name)
		blob.WriteString(": ")
		blob.WriteString(hd.Value)
		blob.WriteString("\r\n")
	}

	body, err := normalizeBody(opts.Body, contentLength)
	if err != nil {
		return nil, errs.NewInvalidArg("%v", err)
	}
	if body.Kind == BodyBuffer && contentLength >= 0 && contentLength != body.Length {
		return nil, errs.NewInvalidArg("content-length %d does not match body length %d", contentLength, body.Length)
	}

	idempotent := method == "GET" || method == "HEAD"
	if opts.Idempotent != nil {
		idempotent = *opts.Idempotent
	}

	r := &Request{
		Method:         method,
		Path:           opts.Path,
		HeadersBlob:    blob.Bytes(),
		HostPresent:    hostPresent,
		ContentLength:  contentLength,
		Body:           body,
		Idempotent:     idempotent,
		Upgrade:        opts.Upgrade,
		Servername:     opts.Servername,
		HeadersTimeout: opts.HeadersTimeout,
		BodyTimeout:    opts.BodyTimeout,
		handler:        h,
	}
	if opts.Signal != nil {
		sig := opts.Signal
		r.stopSignal = context.AfterFunc(sig, func() {
			r.Abort(nil)
		})
	}
	return r, nil
}

// ExpectsPayload reports whether the method conventionally carries a body.
func (r *Request) ExpectsPayload() bool {
	switch r.Method {
	case "PUT", "POST", "PATCH":
		return true
	}
	return false
}

// BindAbort installs the client hook invoked when the request is aborted.
// Called once at dispatch, right after the request enters the queue.
func (r *Request) BindAbort(fn func(*Request, error)) {
	r.mu.Lock()
	r.onAbort = fn
	pending := r.aborted.Load()
	err := r.abortErr
	r.mu.Unlock()
	if pending && fn != nil {
		fn(r, err)
	}
}

// Abort marks the request aborted. The flag is one-way; later calls are
// no-ops. A nil err means the standard aborted error.
func (r *Request) Abort(err error) {
	if !r.aborted.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = errs.NewAborted()
	}
	r.mu.Lock()
	r.abortErr = err
	fn := r.onAbort
	r.mu.Unlock()
	if fn != nil {
		fn(r, err)
	}
}

func (r *Request) Aborted() bool { return r.aborted.Load() }

// AbortError returns the error recorded by Abort, or the standard aborted
// error if Abort carried none.
func (r *Request) AbortError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortErr != nil {
		return r.abortErr
	}
	return errs.NewAborted()
}

// ReleaseBuffers drops the frozen header blob and any buffered body once the
// bytes are on the wire.
func (r *Request) ReleaseBuffers() {
	r.HeadersBlob = nil
	if r.Body != nil && r.Body.Kind == BodyBuffer {
		r.Body.Buf = nil
	}
}

// Callback adapters. Each enforces the terminal-state contract: exactly zero
// or one OnError per request and nothing after it.

func (r *Request) OnConnect(abort func(err error)) {
	if r.state.Load() == stateActive {
		r.handler.OnConnect(abort)
	}
}

func (r *Request) OnHeaders(status int, headers []Header, resume func()) bool {
	if r.state.Load() != stateActive {
		return true
	}
	return r.handler.OnHeaders(status, headers, resume)
}

func (r *Request) OnData(chunk []byte) bool {
	if r.state.Load() != stateActive {
		return true
	}
	return r.handler.OnData(chunk)
}

func (r *Request) OnComplete(trailers []Header) {
	if !r.state.CompareAndSwap(stateActive, stateCompleted) {
		return
	}
	r.detachSignal()
	r.handler.OnComplete(trailers)
}

func (r *Request) OnUpgrade(status int, headers []Header, conn net.Conn) {
	if !r.state.CompareAndSwap(stateActive, stateUpgraded) {
		return
	}
	r.detachSignal()
	r.handler.OnUpgrade(status, headers, conn)
}

func (r *Request) OnError(err error) {
	if !r.state.CompareAndSwap(stateActive, stateErrored) {
		return
	}
	r.detachSignal()
	r.Body.Close()
	r.handler.OnError(err)
}

// Terminal reports whether the request has completed, errored or upgraded.
func (r *Request) Terminal() bool { return r.state.Load() != stateActive }

func (r *Request) detachSignal() {
	r.mu.Lock()
	stop := r.stopSignal
	r.stopSignal = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ServernameForHost derives the SNI name for host: empty for IP literals,
// otherwise the ASCII form.
func ServernameForHost(host string) string {
	h := host
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	if _, err := netip.ParseAddr(h); err == nil {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
