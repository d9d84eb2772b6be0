package internal

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// RedirectAgent follows 3xx responses through an underlying origin-routing
// dispatcher. Re-dispatches go straight to the inner dispatcher, never back
// through the redirect layer, so a hop can never re-wrap itself.
type RedirectAgent struct {
	inner           Dispatcher
	maxRedirections int
}

func NewRedirectAgent(inner Dispatcher, maxRedirections int) *RedirectAgent {
	return &RedirectAgent{inner: inner, maxRedirections: maxRedirections}
}

func (ra *RedirectAgent) Dispatch(opts *model.DispatchOptions, h model.Handler) bool {
	if opts == nil || ra.maxRedirections <= 0 || isStreamBody(opts.Body) {
		// Streaming bodies are not replayable; dispatch through as-is.
		return ra.inner.Dispatch(opts, h)
	}
	rh := &redirectHandler{
		dispatch:  ra.inner,
		opts:      *opts,
		inner:     h,
		remaining: ra.maxRedirections,
	}
	return ra.inner.Dispatch(&rh.opts, rh)
}

func (ra *RedirectAgent) Close(ctx context.Context) error { return ra.inner.Close(ctx) }
func (ra *RedirectAgent) Destroy(err error) error         { return ra.inner.Destroy(err) }

func isStreamBody(body any) bool {
	b, err := model.ProbeBody(body)
	return err == nil && b == model.BodyStream
}

// redirectHandler wraps the caller handler, swallowing 3xx responses and
// re-dispatching until a terminal response or the redirection budget runs
// out.
type redirectHandler struct {
	dispatch  Dispatcher
	opts      model.DispatchOptions
	inner     model.Handler
	remaining int

	// location and status are set while a redirect response body is being
	// discarded.
	location string
	status   int
}

var redirectStatus = map[int]bool{
	300: true, 301: true, 302: true, 303: true, 307: true, 308: true,
}

func (rh *redirectHandler) OnConnect(abort func(error)) { rh.inner.OnConnect(abort) }

func (rh *redirectHandler) OnHeaders(status int, headers []model.Header, resume func()) bool {
	if redirectStatus[status] && rh.remaining > 0 {
		if loc, ok := model.HeaderValue(headers, "location"); ok && loc != "" {
			rh.location = loc
			rh.status = status
			return true // discard the 3xx body
		}
	}
	return rh.inner.OnHeaders(status, headers, resume)
}

func (rh *redirectHandler) OnData(chunk []byte) bool {
	if rh.location != "" {
		return true
	}
	return rh.inner.OnData(chunk)
}

func (rh *redirectHandler) OnComplete(trailers []model.Header) {
	if rh.location == "" {
		rh.inner.OnComplete(trailers)
		return
	}
	loc, status := rh.location, rh.status
	rh.location = ""

	next, err := rh.rebuild(loc, status)
	if err != nil {
		rh.inner.OnError(err)
		return
	}
	rh.remaining--
	rh.opts = *next
	rh.dispatch.Dispatch(&rh.opts, rh)
}

func (rh *redirectHandler) OnUpgrade(status int, headers []model.Header, conn net.Conn) {
	rh.inner.OnUpgrade(status, headers, conn)
}

func (rh *redirectHandler) OnError(err error) { rh.inner.OnError(err) }

// rebuild resolves the Location target against the current request and
// produces the next hop's options.
func (rh *redirectHandler) rebuild(location string, status int) (*model.DispatchOptions, error) {
	base, err := url.Parse(rh.opts.Origin)
	if err != nil {
		return nil, errs.NewInvalidArg("invalid redirect base: %v", err)
	}
	base.Path = rh.opts.Path
	target, err := base.Parse(location)
	if err != nil {
		return nil, errs.NewInvalidArg("invalid location %q: %v", location, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errs.NewInvalidArg("unsupported redirect scheme %q", target.Scheme)
	}

	next := rh.opts
	next.Origin = target.Scheme + "://" + target.Host
	next.Path = target.RequestURI()

	dropContent := false
	if status == 303 && next.Method != "GET" && next.Method != "HEAD" {
		next.Method = "GET"
		next.Body = nil
		dropContent = true
	}
	var hh []model.Header
	for _, h := range next.Headers {
		lower := strings.ToLower(h.Name)
		if lower == "host" {
			continue
		}
		if dropContent && strings.HasPrefix(lower, "content-") {
			continue
		}
		hh = append(hh, h)
	}
	next.Headers = hh
	return &next, nil
}
