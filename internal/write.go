package internal

import (
	"bytes"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/http1"
	"github.com/pipehttp/pipehttp/internal/model"
)

// writeRequestLocked claims req into the running region and serializes it.
// The mutex is held on entry and exit; the wire writes happen unlocked.
// Stream bodies continue on their own goroutine with the writing flag set.
func (c *Client) writeRequestLocked(req *model.Request) {
	conn := c.conn
	c.pendIdx++
	if req.Upgrade != "" {
		c.blocking = true
	}
	if req.Body.Kind == model.BodyStream {
		c.writing = true
		conn.writingReq = req
		c.mu.Unlock()
		go c.writeStreamBody(conn, req)
		c.mu.Lock()
		return
	}

	head := c.buildHead(req)
	c.mu.Unlock()

	req.OnConnect(func(err error) { req.Abort(err) })

	var err error
	switch req.Body.Kind {
	case model.BodyNone:
		if req.ContentLength == 0 && req.ExpectsPayload() {
			head.WriteString("content-length: 0\r\n\r\n")
		} else {
			head.WriteString("\r\n")
		}
		_, err = conn.raw.Write(head.Bytes())
	case model.BodyBuffer:
		head.WriteString("content-length: ")
		head.WriteString(strconv.FormatInt(req.Body.Length, 10))
		head.WriteString("\r\n\r\n")
		// One gathered write for head, body and terminator.
		bufs := net.Buffers{head.Bytes(), req.Body.Buf, crlf}
		_, err = bufs.WriteTo(conn.raw)
	}

	c.mu.Lock()
	if err != nil {
		c.destroyConnLocked(errs.NewSocket("write error", err))
		return
	}
	req.ReleaseBuffers()
	if req.Body.Kind == model.BodyBuffer && !req.ExpectsPayload() {
		c.reset = true
	}
	if c.pendIdx-c.runIdx == 1 {
		conn.timer.set(phaseHeaders, c.headersTimeoutOf(req))
	}
}

var crlf = []byte("\r\n")

// buildHead assembles the request line and fixed headers without the
// terminating blank line; body framing headers complete it.
func (c *Client) buildHead(req *model.Request) *bytes.Buffer {
	var b bytes.Buffer
	b.Grow(len(req.HeadersBlob) + 128)
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)
	b.WriteString(" HTTP/1.1\r\n")
	switch {
	case req.Upgrade != "":
		b.WriteString("connection: upgrade\r\nupgrade: ")
		b.WriteString(req.Upgrade)
		b.WriteString("\r\n")
	case c.pipelining > 0:
		b.WriteString("connection: keep-alive\r\n")
	default:
		b.WriteString("connection: close\r\n")
	}
	if !req.HostPresent {
		b.WriteString("host: ")
		b.WriteString(c.origin.hostHeader)
		b.WriteString("\r\n")
	}
	b.Write(req.HeadersBlob)
	return &b
}

// writeStreamBody drains a streaming request body onto the wire. Runs on its
// own goroutine; the writing flag keeps the scheduler off the socket until
// the terminal framing is out.
func (c *Client) writeStreamBody(conn *connection, req *model.Request) {
	req.OnConnect(func(err error) { req.Abort(err) })

	c.mu.Lock()
	head := c.buildHead(req)
	conn.timer.set(phaseNone, 0)
	c.mu.Unlock()

	declared := req.Body.Length
	chunked := declared < 0
	if chunked {
		head.WriteString("transfer-encoding: chunked\r\n\r\n")
	} else {
		head.WriteString("content-length: ")
		head.WriteString(strconv.FormatInt(declared, 10))
		head.WriteString("\r\n\r\n")
	}

	fail := func(err error, reqErr error) {
		if reqErr != nil {
			req.OnError(reqErr)
		}
		c.mu.Lock()
		if c.conn == conn {
			c.destroyConnLocked(err)
		}
		c.writing = false
		conn.writingReq = nil
		c.mu.Unlock()
		req.Body.Close()
		c.resume()
	}

	if _, err := conn.raw.Write(head.Bytes()); err != nil {
		fail(errs.NewSocket("write error", err), nil)
		return
	}

	var sink io.Writer = conn.raw
	var cw *http1.ChunkedWriter
	if chunked {
		cw = &http1.ChunkedWriter{W: conn.raw}
		sink = cw
	}

	var written int64
	buf := make([]byte, 16*1024)
	for {
		if req.Aborted() {
			fail(req.AbortError(), nil)
			return
		}
		n, rerr := req.Body.Stream.Read(buf)
		if n > 0 {
			if !chunked && written+int64(n) > declared {
				err := errs.NewContentLengthMismatch(declared, written+int64(n))
				if c.strictCL {
					fail(err, err)
					return
				}
				c.log.Warn("content-length mismatch", zap.Error(err))
				n = int(declared - written)
			}
			if n > 0 {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					fail(errs.NewSocket("write error", werr), nil)
					return
				}
				written += int64(n)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fail(errs.NewSocket("request body read", rerr), rerr)
			return
		}
	}

	if !chunked && written != declared {
		err := errs.NewContentLengthMismatch(declared, written)
		if c.strictCL {
			fail(err, err)
			return
		}
		c.log.Warn("content-length mismatch", zap.Error(err))
	}

	var err error
	if chunked {
		err = cw.Close()
	} else {
		_, err = conn.raw.Write(crlf)
	}
	if err != nil {
		fail(errs.NewSocket("write error", err), nil)
		return
	}
	req.Body.Close()

	c.mu.Lock()
	c.writing = false
	conn.writingReq = nil
	req.ReleaseBuffers()
	if !req.ExpectsPayload() {
		c.reset = true
	}
	if c.conn == conn && c.pendIdx-c.runIdx >= 1 && c.queue[c.runIdx] == req {
		conn.timer.set(phaseHeaders, c.headersTimeoutOf(req))
	}
	c.mu.Unlock()
	c.resume()
}
