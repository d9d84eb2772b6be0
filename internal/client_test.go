package internal

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

const resp200hello = "HTTP/1.1 200 OK\r\ncontent-length: 5\r\n\r\nhello"

// serve accepts connections one at a time and runs one script per
// connection, in order, on a single goroutine; the next connection is
// accepted once the previous script returns. Scripts must use t.Errorf,
// never require.
func serve(t *testing.T, scripts ...func(t *testing.T, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for _, script := range scripts {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			script(t, conn)
			conn.Close()
		}
	}()
	return "http://" + ln.Addr().String()
}

// readHead consumes one request head, skipping any inter-request CRLF left
// over from a preceding body terminator.
func readHead(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	started := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return sb.String(), err
		}
		if !started && (line == "\r\n" || line == "\n") {
			continue
		}
		started = true
		sb.WriteString(line)
		if line == "\r\n" || line == "\n" {
			return sb.String(), nil
		}
	}
}

// recHandler records the callback stream for one request.
type recHandler struct {
	mu       sync.Mutex
	connects int
	headersN int
	status   int
	headers  []model.Header
	body     bytes.Buffer
	trailers []model.Header
	err      error
	upgraded net.Conn
	abort    func(error)
	resume   func()

	pauseHeaders bool
	abortOnData  bool

	done chan struct{}
}

func newRecHandler() *recHandler { return &recHandler{done: make(chan struct{})} }

func (h *recHandler) OnConnect(abort func(error)) {
	h.mu.Lock()
	h.connects++
	h.abort = abort
	h.mu.Unlock()
}

func (h *recHandler) OnHeaders(status int, headers []model.Header, resume func()) bool {
	h.mu.Lock()
	h.headersN++
	h.status = status
	h.headers = headers
	h.resume = resume
	pause := h.pauseHeaders
	h.mu.Unlock()
	return !pause
}

func (h *recHandler) OnData(chunk []byte) bool {
	h.mu.Lock()
	h.body.Write(chunk)
	abort := h.abortOnData
	fn := h.abort
	h.mu.Unlock()
	if abort && fn != nil {
		fn(nil)
	}
	return true
}

func (h *recHandler) OnComplete(trailers []model.Header) {
	h.mu.Lock()
	h.trailers = trailers
	h.mu.Unlock()
	close(h.done)
}

func (h *recHandler) OnUpgrade(status int, headers []model.Header, conn net.Conn) {
	h.mu.Lock()
	h.status = status
	h.headers = headers
	h.upgraded = conn
	h.mu.Unlock()
	close(h.done)
}

func (h *recHandler) OnError(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *recHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func (h *recHandler) bodyString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.body.String()
}

func (h *recHandler) lastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

type events struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	connErrs    atomic.Int32
	drains      atomic.Int32
}

func (e *events) install(o *ClientOptions) {
	o.OnConnect = func(*Client) { e.connects.Add(1) }
	o.OnDisconnect = func(*Client, error) { e.disconnects.Add(1) }
	o.OnConnectionError = func(*Client, error) { e.connErrs.Add(1) }
	o.OnDrain = func(*Client) { e.drains.Add(1) }
}

func newTestClient(t *testing.T, origin string, opts *ClientOptions) *Client {
	t.Helper()
	c, err := NewClient(origin, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Destroy(nil) })
	return c
}

func get(path string) *model.DispatchOptions {
	return &model.DispatchOptions{Method: "GET", Path: path}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipelinedKeepAliveGets(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		for i := 0; i < 3; i++ {
			if _, err := readHead(br); err != nil {
				t.Errorf("read request %d: %v", i, err)
				return
			}
		}
		conn.Write([]byte(resp200hello + resp200hello + resp200hello))
		io.Copy(io.Discard, conn)
	})

	var ev events
	pl := 3
	opts := &ClientOptions{Pipelining: &pl}
	ev.install(opts)
	c := newTestClient(t, origin, opts)

	var hh []*recHandler
	for i := 0; i < 3; i++ {
		h := newRecHandler()
		hh = append(hh, h)
		c.Dispatch(get("/"), h)
	}
	for _, h := range hh {
		h.wait(t)
		require.NoError(t, h.lastErr())
		require.Equal(t, 200, h.status)
		require.Equal(t, "hello", h.bodyString())
	}
	require.Equal(t, int32(1), ev.connects.Load())
	require.Equal(t, int32(0), ev.disconnects.Load())
	require.True(t, c.Connected())
	require.Equal(t, 0, c.Size())
}

func TestDispatchReturnsFalseWhenFull(t *testing.T) {
	release := make(chan struct{})
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		<-release
		conn.Write([]byte(resp200hello))
		readHead(br)
		conn.Write([]byte(resp200hello))
		io.Copy(io.Discard, conn)
	})

	var ev events
	pl := 2
	opts := &ClientOptions{Pipelining: &pl}
	ev.install(opts)
	c := newTestClient(t, origin, opts)

	h1, h2 := newRecHandler(), newRecHandler()
	require.True(t, c.Dispatch(get("/"), h1))
	require.False(t, c.Dispatch(get("/"), h2))
	close(release)
	h1.wait(t)
	h2.wait(t)
	require.Equal(t, "hello", h2.bodyString())

	eventually(t, func() bool { return ev.drains.Load() == 1 }, "expected exactly one drain")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), ev.drains.Load())
}

func TestMidPipelineDropRetriesTail(t *testing.T) {
	origin := serve(t,
		func(t *testing.T, conn net.Conn) {
			br := bufio.NewReader(conn)
			for i := 0; i < 3; i++ {
				if _, err := readHead(br); err != nil {
					t.Errorf("first conn read %d: %v", i, err)
					return
				}
			}
			// full headers, partial body, then drop the connection
			conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 5\r\n\r\nhe"))
		},
		func(t *testing.T, conn net.Conn) {
			br := bufio.NewReader(conn)
			heads := make([]string, 0, 2)
			for i := 0; i < 2; i++ {
				h, err := readHead(br)
				if err != nil {
					t.Errorf("second conn read %d: %v", i, err)
					return
				}
				heads = append(heads, h)
			}
			if !strings.HasPrefix(heads[0], "GET /two") || !strings.HasPrefix(heads[1], "GET /three") {
				t.Errorf("retry order wrong: %q", heads)
			}
			conn.Write([]byte(resp200hello + resp200hello))
			io.Copy(io.Discard, conn)
		},
	)

	var ev events
	pl := 3
	opts := &ClientOptions{Pipelining: &pl}
	ev.install(opts)
	c := newTestClient(t, origin, opts)

	h1, h2, h3 := newRecHandler(), newRecHandler(), newRecHandler()
	c.Dispatch(get("/one"), h1)
	c.Dispatch(get("/two"), h2)
	c.Dispatch(get("/three"), h3)

	h1.wait(t)
	require.Error(t, h1.lastErr())
	require.Equal(t, errs.CodeSocket, errs.CodeOf(h1.lastErr()))

	h2.wait(t)
	h3.wait(t)
	require.NoError(t, h2.lastErr())
	require.NoError(t, h3.lastErr())
	require.Equal(t, "hello", h2.bodyString())
	require.Equal(t, "hello", h3.bodyString())

	require.Equal(t, int32(2), ev.connects.Load())
	require.Equal(t, int32(1), ev.disconnects.Load())
}

func TestNonIdempotentWaitsForPipeline(t *testing.T) {
	sawEarlyPost := make(chan bool, 1)
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		h, err := readHead(br)
		if err != nil || !strings.HasPrefix(h, "GET /") {
			t.Errorf("expected GET first, got %q (%v)", h, err)
			return
		}
		// the POST must not be on the wire before the GET response is done
		conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		_, err = br.Peek(1)
		sawEarlyPost <- err == nil
		conn.SetReadDeadline(time.Time{})

		conn.Write([]byte(resp200hello))

		h, err = readHead(br)
		if err != nil || !strings.HasPrefix(h, "POST /submit") {
			t.Errorf("expected POST second, got %q (%v)", h, err)
			return
		}
		body := make([]byte, 3)
		if _, err := io.ReadFull(br, body); err != nil || string(body) != "abc" {
			t.Errorf("bad POST body %q (%v)", body, err)
			return
		}
		conn.Write([]byte("HTTP/1.1 201 Created\r\ncontent-length: 0\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	pl := 2
	c := newTestClient(t, origin, &ClientOptions{Pipelining: &pl})

	hGet, hPost := newRecHandler(), newRecHandler()
	c.Dispatch(get("/"), hGet)
	c.Dispatch(&model.DispatchOptions{Method: "POST", Path: "/submit", Body: "abc"}, hPost)

	hGet.wait(t)
	hPost.wait(t)
	require.NoError(t, hGet.lastErr())
	require.NoError(t, hPost.lastErr())
	require.Equal(t, 201, hPost.status)
	require.False(t, <-sawEarlyPost, "POST was written before the GET response completed")
}

func TestAbortWhileRunning(t *testing.T) {
	origin := serve(t,
		func(t *testing.T, conn net.Conn) {
			br := bufio.NewReader(conn)
			readHead(br)
			// headers plus a sliver of the body, then stall
			conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\nabc"))
			io.Copy(io.Discard, conn)
		},
		func(t *testing.T, conn net.Conn) {
			br := bufio.NewReader(conn)
			readHead(br)
			conn.Write([]byte(resp200hello))
			io.Copy(io.Discard, conn)
		},
	)

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	h.abortOnData = true
	c.Dispatch(get("/"), h)
	h.wait(t)
	require.Error(t, h.lastErr())
	require.Equal(t, errs.CodeAborted, errs.CodeOf(h.lastErr()))
	require.Equal(t, []model.Header(nil), h.trailers)
	eventually(t, func() bool { return !c.Connected() }, "socket should be destroyed after abort")

	// the client recovers on a fresh connection
	h2 := newRecHandler()
	c.Dispatch(get("/"), h2)
	h2.wait(t)
	require.NoError(t, h2.lastErr())
	require.Equal(t, "hello", h2.bodyString())
}

func TestAbortPendingViaSignal(t *testing.T) {
	release := make(chan struct{})
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		<-release
		conn.Write([]byte(resp200hello))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h1 := newRecHandler()
	c.Dispatch(get("/"), h1)

	ctx, cancel := context.WithCancel(context.Background())
	h2 := newRecHandler()
	c.Dispatch(&model.DispatchOptions{Method: "GET", Path: "/second", Signal: ctx}, h2)

	cancel()
	h2.wait(t)
	require.Equal(t, errs.CodeAborted, errs.CodeOf(h2.lastErr()))

	// the running request is untouched
	close(release)
	h1.wait(t)
	require.NoError(t, h1.lastErr())
}

func TestStreamBodyContentLengthMismatch(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	c.Dispatch(&model.DispatchOptions{
		Method:  "POST",
		Path:    "/upload",
		Headers: []model.Header{{Name: "content-length", Value: "5"}},
		// a bare io.Reader dispatches as a stream body
		Body: io.LimitReader(strings.NewReader("abcd"), 4),
	}, h)
	h.wait(t)
	require.Error(t, h.lastErr())
	require.Equal(t, errs.CodeContentLengthMismatch, errs.CodeOf(h.lastErr()))
	require.Equal(t, 0, h.headersN)
	eventually(t, func() bool { return !c.Connected() }, "socket should be destroyed")
}

func TestChunkedStreamBody(t *testing.T) {
	type result struct {
		te   string
		body string
	}
	got := make(chan result, 1)
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		head, err := readHead(br)
		if err != nil {
			t.Errorf("read head: %v", err)
			return
		}
		var body bytes.Buffer
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Errorf("chunk size: %v", err)
				return
			}
			size64, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil {
				t.Errorf("bad chunk size %q", line)
				return
			}
			size := int(size64)
			if size == 0 {
				br.ReadString('\n')
				break
			}
			chunk := make([]byte, size+2)
			if _, err := io.ReadFull(br, chunk); err != nil {
				t.Errorf("chunk data: %v", err)
				return
			}
			body.Write(chunk[:size])
		}
		te := ""
		if strings.Contains(strings.ToLower(head), "transfer-encoding: chunked") {
			te = "chunked"
		}
		got <- result{te: te, body: body.String()}
		conn.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 0\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	// an io.Reader body with no declared length goes out chunked
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("hello "))
		pw.Write([]byte("world"))
		pw.Close()
	}()

	h := newRecHandler()
	c.Dispatch(&model.DispatchOptions{Method: "POST", Path: "/upload", Body: io.Reader(pr)}, h)
	h.wait(t)
	require.NoError(t, h.lastErr())

	r := <-got
	require.Equal(t, "chunked", r.te)
	require.Equal(t, "hello world", r.body)
}

func TestHeadersTimeout(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		io.Copy(io.Discard, conn) // never respond
	})

	c := newTestClient(t, origin, &ClientOptions{HeadersTimeout: 100 * time.Millisecond})

	h := newRecHandler()
	c.Dispatch(get("/"), h)
	h.wait(t)
	require.Equal(t, errs.CodeHeadersTimeout, errs.CodeOf(h.lastErr()))
}

func TestBackpressureResume(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte(resp200hello))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	h.pauseHeaders = true
	c.Dispatch(get("/"), h)

	eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.resume != nil
	}, "headers not delivered")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, "", h.bodyString(), "body must not flow while paused")

	h.mu.Lock()
	resume := h.resume
	h.mu.Unlock()
	resume()

	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, "hello", h.bodyString())
}

func TestUpgrade(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nconnection: upgrade\r\nupgrade: echo\r\n\r\nhello"))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	c.Dispatch(&model.DispatchOptions{Method: "GET", Path: "/", Upgrade: "echo"}, h)
	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, 101, h.status)
	require.NotNil(t, h.upgraded)
	defer h.upgraded.Close()

	// bytes past the header block belong to the handler now
	buf := make([]byte, 5)
	h.upgraded.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(h.upgraded, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.False(t, c.Connected())
}

func TestTrailersDelivered(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 200 OK\r\ntrailer: X-Checksum\r\ntransfer-encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\nX-Checksum: 9\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	c.Dispatch(get("/"), h)
	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, "abc", h.bodyString())
	require.Equal(t, []model.Header{{Name: "X-Checksum", Value: "9"}}, h.trailers)
}

func TestTrailerMismatch(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		conn.Write([]byte("HTTP/1.1 200 OK\r\ntrailer: X-Missing\r\ntransfer-encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	c.Dispatch(get("/"), h)
	h.wait(t)
	require.Equal(t, errs.CodeTrailerMismatch, errs.CodeOf(h.lastErr()))
	eventually(t, func() bool { return !c.Connected() }, "socket should be destroyed")
}

func TestCloseWaitsForPending(t *testing.T) {
	release := make(chan struct{})
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		<-release
		conn.Write([]byte(resp200hello))
		io.Copy(io.Discard, conn)
	})

	c := newTestClient(t, origin, nil)

	h := newRecHandler()
	c.Dispatch(get("/"), h)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()
	eventually(t, func() bool { return c.Closed() }, "close flag not set")

	// closing rejects new work while the pending request completes normally
	h2 := newRecHandler()
	c.Dispatch(get("/"), h2)
	h2.wait(t)
	require.Equal(t, errs.CodeClosed, errs.CodeOf(h2.lastErr()))

	close(release)
	h.wait(t)
	require.NoError(t, h.lastErr())
	require.Equal(t, "hello", h.bodyString())
	require.NoError(t, <-closed)
	require.True(t, c.Destroyed())

	h3 := newRecHandler()
	c.Dispatch(get("/"), h3)
	h3.wait(t)
	require.Equal(t, errs.CodeDestroyed, errs.CodeOf(h3.lastErr()))
}

func TestDestroyAbortsPending(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		readHead(br)
		io.Copy(io.Discard, conn) // hold the response hostage
	})

	c := newTestClient(t, origin, nil)

	h1, h2 := newRecHandler(), newRecHandler()
	c.Dispatch(get("/"), h1)
	c.Dispatch(get("/pending"), h2)

	eventually(t, func() bool { return c.Running() == 1 }, "first request should be running")
	require.NoError(t, c.Destroy(nil))

	h1.wait(t)
	h2.wait(t)
	require.Error(t, h1.lastErr())
	require.Equal(t, errs.CodeDestroyed, errs.CodeOf(h2.lastErr()))
}

func TestQueueCountersInvariant(t *testing.T) {
	origin := serve(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			if _, err := readHead(br); err != nil {
				return
			}
			conn.Write([]byte(resp200hello))
		}
	})

	pl := 2
	c := newTestClient(t, origin, &ClientOptions{Pipelining: &pl})

	var hh []*recHandler
	for i := 0; i < 8; i++ {
		h := newRecHandler()
		hh = append(hh, h)
		c.Dispatch(get("/"), h)
		require.LessOrEqual(t, c.Running(), 2)
		require.GreaterOrEqual(t, c.Size(), c.Running())
	}
	for _, h := range hh {
		h.wait(t)
		require.NoError(t, h.lastErr())
	}
	require.Equal(t, 0, c.Size())
}

