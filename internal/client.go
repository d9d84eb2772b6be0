// Package internal implements the pipelined HTTP/1.1 client core: a
// dispatcher owning one connection to a fixed origin, the request queue and
// scheduler, the pool and agent layers on top.
package internal

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pipehttp/pipehttp/internal/dialer"
	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// Dispatcher is the dispatch surface shared by Client, Pool, Agent and
// RedirectAgent.
type Dispatcher interface {
	// Dispatch enqueues one request. The return value is false iff the
	// dispatcher needs draining; the caller should stop pushing until the
	// drain hook fires.
	Dispatch(opts *model.DispatchOptions, h model.Handler) bool
	Close(ctx context.Context) error
	Destroy(err error) error
}

// ClientOptions configure a single client. The zero value is usable; defaults
// are applied at construction.
type ClientOptions struct {
	// Pipelining is the max number of in-flight requests on the connection.
	// Zero disables keep-alive entirely (connection: close per request).
	Pipelining *int

	MaxHeaderSize  int
	HeadersTimeout time.Duration
	BodyTimeout    time.Duration
	ConnectTimeout time.Duration

	KeepAliveTimeout          time.Duration
	KeepAliveMaxTimeout       time.Duration
	KeepAliveTimeoutThreshold time.Duration

	// SocketPath dials a named local endpoint instead of TCP.
	SocketPath string

	TLS *dialer.TLSOptions

	// StrictContentLength errors instead of warning when a request body
	// diverges from its declared content-length. Nil means true.
	StrictContentLength *bool

	// MaxAbortedPayload is how many response body bytes the client reads
	// past an abort before it gives up on the connection.
	MaxAbortedPayload int64

	Logger *zap.Logger

	// Event hooks. All are invoked without internal locks held.
	OnConnect         func(*Client)
	OnDisconnect      func(*Client, error)
	OnConnectionError func(*Client, error)
	OnDrain           func(*Client)
}

const (
	defaultMaxHeaderSize       = 16384
	defaultHeadersTimeout      = 30 * time.Second
	defaultBodyTimeout         = 30 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultKeepAliveTimeout    = 4 * time.Second
	defaultKeepAliveMax        = 600 * time.Second
	defaultKeepAliveThreshold  = time.Second
	defaultMaxAbortedPayload   = 1 << 20
	defaultPipelining          = 1
	compactionThreshold        = 256
	initialRetryDelay          = time.Second
)

type origin struct {
	scheme     string
	host       string // without port
	addr       string // host:port
	hostHeader string // host, with port only when non-default
}

func (o origin) String() string { return o.scheme + "://" + o.addr }

func parseOrigin(raw string) (origin, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return origin{}, errs.NewInvalidArg("invalid origin url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return origin{}, errs.NewInvalidArg("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return origin{}, errs.NewInvalidArg("origin url must have a host")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return origin{}, errs.NewInvalidArg("origin url must not carry a path, query or fragment")
	}
	if u.User != nil {
		return origin{}, errs.NewInvalidArg("origin url must not carry credentials")
	}
	addr := u.Host
	hostHeader := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	} else if (u.Scheme == "https" && u.Port() == "443") || (u.Scheme == "http" && u.Port() == "80") {
		hostHeader = u.Hostname()
	}
	return origin{scheme: u.Scheme, host: u.Hostname(), addr: addr, hostHeader: hostHeader}, nil
}

// Client owns one connection to a fixed origin and pipelines requests over
// it. All exported methods are safe for concurrent use.
type Client struct {
	origin origin
	opts   ClientOptions
	dialer *dialer.CoreDialer
	log    *zap.Logger

	pipelining int
	strictCL   bool

	mu sync.Mutex

	// Tri-partite queue: [0,runIdx) completed (nulled), [runIdx,pendIdx)
	// running, [pendIdx,len) pending.
	queue   []*model.Request
	runIdx  int
	pendIdx int

	servername string

	conn       *connection
	connEpoch  int
	connecting bool

	resuming  int // 0 idle, 1 scheduled, 2 running
	reset     bool
	writing   bool
	blocking  bool
	needDrain int

	retryDelay   time.Duration
	retryTimer   *time.Timer
	retryPending bool

	closed      bool
	destroyed   bool
	destroyErr  error
	onDestroyed []func()
	destroyedCh chan struct{}
}

// NewClient builds a client for origin ("http://host[:port]" or
// "https://host[:port]").
func NewClient(rawOrigin string, opts *ClientOptions) (*Client, error) {
	o, err := parseOrigin(rawOrigin)
	if err != nil {
		return nil, err
	}
	c := &Client{origin: o, destroyedCh: make(chan struct{})}
	if opts != nil {
		c.opts = *opts
	}
	applyDefaults(&c.opts)
	c.pipelining = defaultPipelining
	if c.opts.Pipelining != nil {
		if *c.opts.Pipelining < 0 {
			return nil, errs.NewInvalidArg("pipelining must not be negative")
		}
		c.pipelining = *c.opts.Pipelining
	}
	c.strictCL = c.opts.StrictContentLength == nil || *c.opts.StrictContentLength
	c.log = c.opts.Logger
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("origin", o.String()))

	if o.scheme == "https" {
		if c.opts.TLS != nil && c.opts.TLS.Servername != "" {
			c.servername = c.opts.TLS.Servername
		} else {
			c.servername = model.ServernameForHost(o.host)
		}
	}
	c.dialer = dialer.New(o.addr, c.opts.SocketPath, o.scheme == "https", c.opts.ConnectTimeout, c.opts.TLS)
	return c, nil
}

func applyDefaults(o *ClientOptions) {
	if o.MaxHeaderSize <= 0 {
		o.MaxHeaderSize = defaultMaxHeaderSize
	}
	if o.HeadersTimeout <= 0 {
		o.HeadersTimeout = defaultHeadersTimeout
	}
	if o.BodyTimeout <= 0 {
		o.BodyTimeout = defaultBodyTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if o.KeepAliveMaxTimeout <= 0 {
		o.KeepAliveMaxTimeout = defaultKeepAliveMax
	}
	if o.KeepAliveTimeoutThreshold <= 0 {
		o.KeepAliveTimeoutThreshold = defaultKeepAliveThreshold
	}
	if o.MaxAbortedPayload <= 0 {
		o.MaxAbortedPayload = defaultMaxAbortedPayload
	}
}

// Origin returns the normalized origin URL string.
func (c *Client) Origin() string { return c.origin.String() }

// Counters.

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) - c.pendIdx
}

func (c *Client) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendIdx - c.runIdx
}

func (c *Client) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) - c.runIdx
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

// Full reports whether the queue holds at least a full pipeline of work;
// pools skip full clients when a less loaded one exists.
func (c *Client) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullLocked()
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Client) busyLocked() bool {
	return c.reset || c.writing || c.blocking || c.fullLocked()
}

func (c *Client) fullLocked() bool {
	limit := c.pipelining
	if limit < 1 {
		limit = 1
	}
	return len(c.queue)-c.runIdx >= limit
}

// Dispatch validates opts and appends the request to the queue. It returns
// false iff the client now needs draining; synchronous failures surface
// through h.OnError.
func (c *Client) Dispatch(opts *model.DispatchOptions, h model.Handler) bool {
	req, err := model.NewRequest(opts, h)
	if err != nil {
		if h != nil {
			h.OnError(err)
		}
		return c.drainStatus()
	}
	if req.Servername == "" {
		req.Servername = c.servername
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		req.OnError(errs.NewDestroyed())
		return c.drainStatus()
	}
	if c.closed {
		c.mu.Unlock()
		req.OnError(errs.NewClosed())
		return c.drainStatus()
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	req.BindAbort(c.abortRequest)
	c.resume()

	c.mu.Lock()
	if c.busyLocked() {
		c.needDrain = 2
	}
	ok := c.needDrain < 2
	c.mu.Unlock()
	return ok
}

func (c *Client) drainStatus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needDrain < 2
}

// abortRequest is the request abort hook. Pending requests are errored and
// spliced out on the next scheduler pass; aborting the running head tears
// the connection down (the retryable tail reconnects per the usual close
// path); other running requests are errored in place and their responses
// discarded by the reader.
func (c *Client) abortRequest(req *model.Request, err error) {
	c.mu.Lock()
	pos := -1
	for i := c.runIdx; i < len(c.queue); i++ {
		if c.queue[i] == req {
			pos = i
			break
		}
	}
	if pos < 0 || c.destroyed {
		c.mu.Unlock()
		req.OnError(err)
		return
	}
	conn := c.conn
	head := pos == c.runIdx && pos < c.pendIdx
	c.mu.Unlock()

	req.OnError(err)

	if head && conn != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.destroyConnLocked(err)
		}
		c.mu.Unlock()
	}
	c.resume()
}

// Close stops new work and destroys the client once the queue drains.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.resume()
	select {
	case <-c.destroyedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy aborts all pending requests with err (default the destroyed error)
// and tears the connection down.
func (c *Client) Destroy(err error) error {
	if err == nil {
		err = errs.NewDestroyed()
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		<-c.destroyedCh
		return nil
	}
	c.closed = true
	c.destroyed = true
	c.destroyErr = err

	pending := append([]*model.Request(nil), c.queue[c.pendIdx:]...)
	c.queue = c.queue[:c.pendIdx]

	conn := c.conn
	if conn != nil {
		c.destroyConnLocked(err)
	}
	c.stopRetryLocked()
	c.mu.Unlock()

	for _, r := range pending {
		r.OnError(err)
	}
	c.log.Debug("client destroyed", zap.Error(err))

	if conn == nil {
		c.finalizeDestroy()
	}
	c.resume()
	<-c.destroyedCh
	return nil
}

// OnDestroyed registers fn to run once the client is fully destroyed.
func (c *Client) OnDestroyed(fn func()) {
	c.mu.Lock()
	select {
	case <-c.destroyedCh:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.onDestroyed = append(c.onDestroyed, fn)
	c.mu.Unlock()
}

// finalizeDestroy fires once the socket is gone and the queue is drained.
func (c *Client) finalizeDestroy() {
	c.mu.Lock()
	select {
	case <-c.destroyedCh:
		c.mu.Unlock()
		return
	default:
	}
	cbs := c.onDestroyed
	c.onDestroyed = nil
	close(c.destroyedCh)
	c.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryPending = false
}

// isTransientCode reports whether err is a connection-level failure that
// leaves queued requests eligible for a reconnect attempt.
func isTransientCode(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeSocket, errs.CodeInfo:
		return true
	}
	for _, e := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.EHOSTDOWN} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
