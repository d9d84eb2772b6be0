package internal

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipehttp/pipehttp/internal/model"
)

// connection wraps one live socket together with its reader state and phase
// timer. The parser state lives in the readLoop goroutine; the connection is
// created and torn down with the socket, never reused.
type connection struct {
	c     *Client
	raw   net.Conn
	br    *bufio.Reader
	epoch int

	timer *phaseTimer
	gate  gate

	closeOnce sync.Once
	closedCh  chan struct{}

	errMu sync.Mutex
	err   error

	detached atomic.Bool

	// writingReq and idleTimeout are guarded by c.mu.
	writingReq  *model.Request
	idleTimeout time.Duration
}

func newConnection(c *Client, raw net.Conn, epoch int) *connection {
	conn := &connection{
		c:        c,
		raw:      raw,
		br:       bufio.NewReaderSize(raw, 8192),
		epoch:    epoch,
		closedCh: make(chan struct{}),
	}
	conn.idleTimeout = c.opts.KeepAliveTimeout
	conn.timer = &phaseTimer{c: c, conn: conn}
	return conn
}

// destroy records the teardown reason and closes the socket. Idempotent; the
// first reason wins. Cleanup continues on the readLoop goroutine.
func (conn *connection) destroy(err error) {
	conn.errMu.Lock()
	if conn.err == nil {
		conn.err = err
	}
	conn.errMu.Unlock()
	conn.closeOnce.Do(func() {
		close(conn.closedCh)
		conn.raw.Close()
	})
}

func (conn *connection) destroyErr() error {
	conn.errMu.Lock()
	defer conn.errMu.Unlock()
	return conn.err
}

// upgradedConn is the socket handed to OnUpgrade: the raw connection with
// any bytes the parser had buffered past the header block replayed first.
type upgradedConn struct {
	net.Conn
	r io.Reader
}

func (u *upgradedConn) Read(p []byte) (int, error) { return u.r.Read(p) }

// gate implements reader back-pressure. pause() arms it; wait() blocks the
// reader until open() or connection teardown.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) pause() {
	g.mu.Lock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *gate) open() {
	g.mu.Lock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
	g.mu.Unlock()
}

// wait blocks while the gate is paused. It returns false if the connection
// closed while waiting.
func (g *gate) wait(closed <-chan struct{}) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		select {
		case <-closed:
			return false
		default:
			return true
		}
	}
	select {
	case <-ch:
		return true
	case <-closed:
		return false
	}
}
