package internal

import (
	"go.uber.org/zap"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// resume drives the scheduler. It is safe to call from anywhere; the
// resuming guard collapses concurrent calls into one pass and a queued
// re-run.
func (c *Client) resume() {
	c.mu.Lock()
	if c.resuming != 0 {
		c.resuming = 1
		c.mu.Unlock()
		return
	}
	c.resuming = 2
	for {
		c.resumeStepsLocked()
		if c.resuming == 1 {
			c.resuming = 2
			continue
		}
		break
	}
	c.resuming = 0

	emitDrain := false
	if c.needDrain != 0 && !c.busyLocked() {
		c.needDrain = 0
		emitDrain = true
	}
	onDrain := c.opts.OnDrain
	c.mu.Unlock()
	if emitDrain && onDrain != nil {
		onDrain(c)
	}
}

// resumeStepsLocked runs the scheduling loop until a step stops it. The
// mutex is held on entry and exit; callback invocations release it.
func (c *Client) resumeStepsLocked() {
	for {
		if c.destroyed {
			if len(c.queue) > c.pendIdx {
				err := c.destroyErr
				if err == nil {
					err = errs.NewDestroyed()
				}
				pending := append([]*model.Request(nil), c.queue[c.pendIdx:]...)
				c.queue = c.queue[:c.pendIdx]
				c.mu.Unlock()
				for _, r := range pending {
					r.OnError(err)
				}
				c.mu.Lock()
				continue
			}
			return
		}

		if len(c.queue)-c.runIdx == 0 {
			if c.closed {
				go c.Destroy(nil)
				return
			}
			c.queue = c.queue[:0]
			c.runIdx = 0
			c.pendIdx = 0
			if c.conn != nil {
				c.conn.timer.set(phaseIdle, c.conn.idleTimeout)
			}
			return
		}

		if c.runIdx > compactionThreshold {
			n := copy(c.queue, c.queue[c.runIdx:])
			for i := n; i < len(c.queue); i++ {
				c.queue[i] = nil
			}
			c.queue = c.queue[:n]
			c.pendIdx -= c.runIdx
			c.runIdx = 0
			continue
		}

		limit := c.pipelining
		if limit < 1 {
			limit = 1
		}
		if c.pendIdx-c.runIdx >= limit {
			return
		}
		if len(c.queue)-c.pendIdx == 0 {
			return
		}

		req := c.queue[c.pendIdx]
		if req.Aborted() || req.Terminal() {
			c.spliceLocked(c.pendIdx)
			continue
		}

		if req.Servername != c.servername {
			if c.pendIdx-c.runIdx > 0 {
				return
			}
			c.servername = req.Servername
			if c.conn != nil {
				c.destroyConnLocked(errs.NewInfo("servername changed"))
				return
			}
		}

		if c.conn == nil && !c.connecting {
			if c.retryPending {
				return
			}
			c.startConnectLocked()
			return
		}
		if c.conn == nil {
			return // connecting
		}
		if c.reset || c.writing || c.blocking {
			return
		}
		if c.pendIdx-c.runIdx > 0 &&
			(!req.Idempotent || req.Body.Kind == model.BodyStream || req.Upgrade != "") {
			return
		}

		// A declared length with nothing to send cannot round-trip.
		if req.Body.Kind == model.BodyNone && req.ContentLength > 0 {
			err := errs.NewContentLengthMismatch(req.ContentLength, 0)
			if c.strictCL {
				c.spliceLocked(c.pendIdx)
				c.mu.Unlock()
				req.OnError(err)
				c.mu.Lock()
				continue
			}
			c.log.Warn("content-length mismatch", zap.Error(err))
			req.ContentLength = -1
		}

		// A stream that declares zero length is an empty body.
		if req.Body.Kind == model.BodyStream && req.Body.Length == 0 {
			req.Body.Close()
			req.Body = &model.Body{Kind: model.BodyNone, Length: 0}
			req.ContentLength = 0
		}

		c.writeRequestLocked(req)
	}
}

// spliceLocked removes the pending slot at i, keeping queue order.
func (c *Client) spliceLocked(i int) {
	copy(c.queue[i:], c.queue[i+1:])
	c.queue[len(c.queue)-1] = nil
	c.queue = c.queue[:len(c.queue)-1]
}
