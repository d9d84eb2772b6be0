package internal

import (
	"bytes"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/http1"
	"github.com/pipehttp/pipehttp/internal/model"
)

// readLoop parses responses off the connection and feeds the head request's
// handler. One goroutine per live connection; it exits on teardown or
// upgrade handoff.
func (c *Client) readLoop(conn *connection) {
	var exitErr error
	for {
		if !conn.gate.wait(conn.closedCh) {
			break
		}
		head, err := http1.ReadHead(conn.br, c.opts.MaxHeaderSize)
		if err != nil {
			exitErr = classifyReadError(err)
			break
		}

		c.mu.Lock()
		var req *model.Request
		if c.runIdx < c.pendIdx {
			req = c.queue[c.runIdx]
		}
		c.mu.Unlock()
		if req == nil {
			exitErr = errs.NewParse("response with no matching request")
			break
		}

		if head.Status < 200 {
			if head.Status == 101 {
				if req.Upgrade == "" {
					exitErr = errs.NewParse("unexpected 101 response")
					break
				}
				c.handleUpgrade(conn, req, head)
				return
			}
			// Informational; the real response is still coming.
			c.mu.Lock()
			conn.timer.set(phaseHeaders, c.headersTimeoutOf(req))
			c.mu.Unlock()
			continue
		}

		keepAlive := head.KeepAlive
		c.mu.Lock()
		if c.pipelining == 0 {
			keepAlive = false
		}
		if !keepAlive {
			// No more requests onto a connection that dies with this
			// response.
			c.reset = true
		}
		if v, ok := model.HeaderValue(head.Headers, "keep-alive"); ok && keepAlive {
			if t := http1.ParseKeepAlive(v); t >= 0 {
				idle := time.Duration(t) * time.Second
				if idle > c.opts.KeepAliveMaxTimeout {
					idle = c.opts.KeepAliveMaxTimeout
				}
				idle -= c.opts.KeepAliveTimeoutThreshold
				if idle <= 0 {
					c.reset = true
				} else {
					conn.idleTimeout = idle
				}
			}
		}
		skipBody := req.Method == "HEAD" || head.Status == 204 || head.Status == 304
		if req.Method == "HEAD" {
			c.reset = true
		}
		conn.timer.set(phaseBody, c.bodyTimeoutOf(req))
		c.mu.Unlock()

		trailerNames := advertisedTrailers(head.Headers)

		resumeFn := func() {
			conn.gate.open()
			c.resume()
		}
		// Pause before delivering so a resume racing the return value can
		// never be lost.
		conn.gate.pause()
		if req.OnHeaders(head.Status, head.Headers, resumeFn) {
			conn.gate.open()
		}

		trailers, srvClosed, err := c.readBody(conn, req, head, skipBody)
		if err != nil {
			exitErr = classifyReadError(err)
			break
		}
		if srvClosed {
			keepAlive = false
		}

		if err := c.completeMessage(conn, req, trailers, trailerNames, keepAlive); err != nil {
			exitErr = err
			break
		}
	}
	c.onSocketClosed(conn, exitErr)
}

// readBody consumes the response body per its framing, delivering chunks to
// the handler. Returns the trailing headers (chunked only) and whether the
// body was terminated by the server closing the stream.
func (c *Client) readBody(conn *connection, req *model.Request, head *http1.Head, skip bool) ([]model.Header, bool, error) {
	if skip {
		return nil, false, nil
	}
	switch {
	case head.Chunked:
		cr := http1.NewChunkedReader(conn.br, c.opts.MaxHeaderSize)
		if _, err := c.deliverBody(conn, req, cr, -1); err != nil {
			return nil, false, err
		}
		return cr.Trailers(), false, nil
	case head.ContentLength == 0:
		return nil, false, nil
	case head.ContentLength > 0:
		lr := io.LimitReader(conn.br, head.ContentLength)
		got, err := c.deliverBody(conn, req, lr, head.ContentLength)
		if err != nil {
			return nil, false, err
		}
		if got != head.ContentLength {
			return nil, false, errs.NewSocket("other side closed", io.ErrUnexpectedEOF)
		}
		return nil, false, nil
	default:
		// No framing: the body runs to EOF and the connection dies with it.
		_, err := c.deliverBody(conn, req, conn.br, -1)
		if err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
}

// deliverBody pumps r to the handler honoring pause gates and the body
// timer. remaining is the known byte count or -1. Bytes owed to a request
// that already errored are discarded, up to the aborted-payload budget.
func (c *Client) deliverBody(conn *connection, req *model.Request, r io.Reader, remaining int64) (int64, error) {
	var got, discarded int64
	buf := make([]byte, 8192)
	for {
		if !conn.gate.wait(conn.closedCh) {
			err := conn.destroyErr()
			if err == nil {
				err = errs.NewSocket("closed", nil)
			}
			return got, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			got += int64(n)
			c.mu.Lock()
			conn.timer.set(phaseBody, c.bodyTimeoutOf(req))
			c.mu.Unlock()
			if req.Terminal() {
				discarded += int64(n)
				if discarded > c.opts.MaxAbortedPayload {
					return got, errs.NewInfo("aborted response exceeds discard budget")
				}
			} else {
				conn.gate.pause()
				if req.OnData(buf[:n]) {
					conn.gate.open()
				}
			}
		}
		if err == io.EOF {
			return got, nil
		}
		if err != nil {
			return got, err
		}
	}
}

// completeMessage finishes the head request: trailer validation, completion
// callback, index advance and the keep-alive / reset teardown decisions.
func (c *Client) completeMessage(conn *connection, req *model.Request, trailers []model.Header, trailerNames []string, keepAlive bool) error {
	for _, name := range trailerNames {
		if _, ok := model.HeaderValue(trailers, name); !ok {
			err := errs.NewTrailerMismatch(name)
			req.OnError(err)
			c.mu.Lock()
			c.destroyConnLocked(err)
			c.mu.Unlock()
			return err
		}
	}

	req.OnComplete(trailers)

	c.mu.Lock()
	c.queue[c.runIdx] = nil
	c.runIdx++
	if req.Upgrade != "" {
		c.blocking = false
	}

	var teardown error
	switch {
	case conn.writingReq == req:
		// The response outran its own request write.
		teardown = errs.NewInfo("reset")
	case !keepAlive:
		teardown = errs.NewInfo("reset")
	case c.reset && c.pendIdx == c.runIdx:
		teardown = errs.NewInfo("reset")
	}
	if teardown != nil {
		c.destroyConnLocked(teardown)
		c.mu.Unlock()
		return nil
	}

	if len(c.queue) == c.runIdx {
		conn.timer.set(phaseIdle, conn.idleTimeout)
	} else if c.runIdx < c.pendIdx {
		conn.timer.set(phaseHeaders, c.headersTimeoutOf(c.queue[c.runIdx]))
	} else {
		conn.timer.stop()
	}
	c.mu.Unlock()
	c.resume()
	return nil
}

// handleUpgrade detaches the socket and hands it, with any buffered bytes
// replayed, to the handler.
func (c *Client) handleUpgrade(conn *connection, req *model.Request, head *http1.Head) {
	conn.detached.Store(true)
	c.mu.Lock()
	conn.timer.stop()
	c.queue[c.runIdx] = nil
	c.runIdx++
	c.blocking = false
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	uc := &upgradedConn{Conn: conn.raw, r: conn.raw}
	if n := conn.br.Buffered(); n > 0 {
		pre, _ := conn.br.Peek(n)
		uc.r = io.MultiReader(bytes.NewReader(append([]byte(nil), pre...)), conn.raw)
	}

	req.OnUpgrade(head.Status, head.Headers, uc)

	err := errs.NewInfo("upgrade")
	c.log.Debug("socket handed off after upgrade")
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c, err)
	}
	c.resume()
}

// onSocketClosed runs once per connection after its readLoop exits: it
// errors the head running request, requeues the retryable tail and schedules
// a reconnect when work remains.
func (c *Client) onSocketClosed(conn *connection, err error) {
	conn.destroy(err)
	if derr := conn.destroyErr(); derr != nil {
		err = derr
	}
	if err == nil {
		err = errs.NewSocket("closed", nil)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.timer.stop()
	c.blocking = false

	var errored []*model.Request
	var erroredErrs []error
	fail := func(r *model.Request, e error) {
		if r != nil && !r.Terminal() {
			errored = append(errored, r)
			erroredErrs = append(erroredErrs, e)
		}
	}

	if c.destroyed {
		destroyErr := c.destroyErr
		if destroyErr == nil {
			destroyErr = errs.NewDestroyed()
		}
		for i := c.runIdx; i < len(c.queue); i++ {
			if i == c.runIdx && i < c.pendIdx {
				fail(c.queue[i], err)
			} else {
				fail(c.queue[i], destroyErr)
			}
		}
		c.queue = c.queue[:0]
		c.runIdx, c.pendIdx = 0, 0
	} else {
		running := c.queue[c.runIdx:c.pendIdx]
		var retry []*model.Request
		if len(running) > 0 {
			fail(running[0], err)
			// By scheduler construction the tail is idempotent with no
			// stream body; it is rewritten on the next connection.
			for _, r := range running[1:] {
				if r != nil && !r.Terminal() && !r.Aborted() {
					retry = append(retry, r)
				}
			}
		} else if !isTransientCode(err) {
			for i := c.pendIdx; i < len(c.queue); i++ {
				fail(c.queue[i], err)
			}
			c.queue = c.queue[:c.pendIdx]
		}
		nq := make([]*model.Request, 0, len(retry)+len(c.queue)-c.pendIdx)
		nq = append(nq, retry...)
		nq = append(nq, c.queue[c.pendIdx:]...)
		c.queue = nq
		c.runIdx, c.pendIdx = 0, 0
	}

	if !c.destroyed && len(c.queue) > 0 {
		c.scheduleRetryLocked()
	}
	destroyed := c.destroyed
	c.mu.Unlock()

	for i, r := range errored {
		r.OnError(erroredErrs[i])
	}
	c.log.Debug("disconnected", zap.Error(err))
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c, err)
	}
	if destroyed {
		c.finalizeDestroy()
	}
	c.resume()
}

func (c *Client) destroyConnLocked(err error) {
	if c.conn == nil {
		return
	}
	c.conn.timer.stop()
	c.conn.destroy(err)
}

func classifyReadError(err error) error {
	if errs.CodeOf(err) != "" {
		return err
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errs.NewSocket("other side closed", nil)
	}
	return errs.NewSocket("read error", err)
}

// advertisedTrailers collects the names listed in Trailer headers.
func advertisedTrailers(hh []model.Header) []string {
	var names []string
	for _, h := range hh {
		if !strings.EqualFold(h.Name, "trailer") {
			continue
		}
		for _, n := range strings.Split(h.Value, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	return names
}
