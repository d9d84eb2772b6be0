package internal

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// startConnectLocked kicks off a dial. Called by the scheduler only when no
// socket exists and no retry timer is pending.
func (c *Client) startConnectLocked() {
	c.connecting = true
	c.connEpoch++
	go c.doConnect(c.connEpoch, c.servername)
}

func (c *Client) doConnect(epoch int, servername string) {
	c.log.Debug("connecting", zap.String("servername", servername))
	raw, err := c.dialer.Dial(context.Background(), servername)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errs.NewConnectTimeout(c.origin.addr)
		}
		c.onConnectError(err, servername)
		return
	}

	c.mu.Lock()
	if c.destroyed || c.connEpoch != epoch {
		c.mu.Unlock()
		raw.Close()
		return
	}
	conn := newConnection(c, raw, epoch)
	c.conn = conn
	c.connecting = false
	c.reset = false
	c.retryDelay = 0
	go c.readLoop(conn)
	c.mu.Unlock()

	c.log.Debug("connected")
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	c.resume()
}

// onConnectError fails the queued requests the error condemns and schedules
// a retry for the rest.
func (c *Client) onConnectError(err error, servername string) {
	c.mu.Lock()
	c.connecting = false
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	var errored []*model.Request
	var hostnameErr x509.HostnameError
	switch {
	case errors.As(err, &hostnameErr):
		// The certificate does not cover this name; only requests pinned to
		// it are doomed.
		kept := c.queue[:c.pendIdx:c.pendIdx]
		for _, r := range c.queue[c.pendIdx:] {
			if r.Servername == servername {
				errored = append(errored, r)
			} else {
				kept = append(kept, r)
			}
		}
		c.queue = kept
	case !isTransientCode(err):
		errored = append(errored, c.queue[c.pendIdx:]...)
		c.queue = c.queue[:c.pendIdx]
	}

	if len(c.queue)-c.pendIdx > 0 {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()

	for _, r := range errored {
		if !r.Terminal() {
			r.OnError(err)
		}
	}
	c.log.Warn("connection error", zap.Error(err))
	if c.opts.OnConnectionError != nil {
		c.opts.OnConnectionError(c, err)
	}
	c.resume()
}

// scheduleRetryLocked arms the reconnect backoff: immediate on the first
// failure, then doubling up to the connect timeout.
func (c *Client) scheduleRetryLocked() {
	if c.retryDelay <= 0 {
		c.retryDelay = initialRetryDelay
		return // the scheduler reconnects immediately
	}
	if c.retryPending {
		return
	}
	c.retryPending = true
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		c.retryPending = false
		c.retryTimer = nil
		c.mu.Unlock()
		c.resume()
	})
	c.retryDelay *= 2
	if c.retryDelay > c.opts.ConnectTimeout {
		c.retryDelay = c.opts.ConnectTimeout
	}
}
