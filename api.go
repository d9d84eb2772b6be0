package pipehttp

import (
	"context"
	"net"
	"sync"

	"github.com/pipehttp/pipehttp/internal/errs"
)

// Response is the buffered result of Do.
type Response struct {
	Status   int
	Headers  []Header
	Trailers []Header
	Body     []byte
}

// Do dispatches opts through d and buffers the complete response. The
// context cancels the request in flight.
func Do(ctx context.Context, d Dispatcher, opts *DispatchOptions) (*Response, error) {
	h := &bufferedHandler{done: make(chan struct{})}
	o := *opts
	if o.Signal == nil {
		o.Signal = ctx
	}
	d.Dispatch(&o, h)
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		// The signal abort will surface shortly; don't outlive the caller.
		return nil, ctx.Err()
	}
}

// bufferedHandler aggregates the streamed callbacks into one Response.
type bufferedHandler struct {
	mu   sync.Mutex
	res  *Response
	err  error
	done chan struct{}
}

func (h *bufferedHandler) OnConnect(func(error)) {}

func (h *bufferedHandler) OnHeaders(status int, headers []Header, _ func()) bool {
	h.mu.Lock()
	h.res = &Response{Status: status, Headers: headers}
	h.mu.Unlock()
	return true
}

func (h *bufferedHandler) OnData(chunk []byte) bool {
	h.mu.Lock()
	h.res.Body = append(h.res.Body, chunk...)
	h.mu.Unlock()
	return true
}

func (h *bufferedHandler) OnComplete(trailers []Header) {
	h.mu.Lock()
	h.res.Trailers = trailers
	h.mu.Unlock()
	close(h.done)
}

func (h *bufferedHandler) OnUpgrade(status int, headers []Header, conn net.Conn) {
	conn.Close()
	h.mu.Lock()
	h.err = errs.NewNotSupported("upgrade through Do")
	h.mu.Unlock()
	close(h.done)
}

func (h *bufferedHandler) OnError(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
