package internal

import (
	"time"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

type timerPhase int8

const (
	phaseNone timerPhase = iota
	phaseHeaders
	phaseBody
	phaseIdle
)

// phaseTimer is the one reusable timer of a connection. Exactly one phase is
// armed at a time; re-arming with the same phase and duration refreshes in
// place. All methods must be called with c.mu held; fire takes the lock
// itself.
type phaseTimer struct {
	c    *Client
	conn *connection

	timer *time.Timer
	phase timerPhase
	dur   time.Duration
	when  time.Time
}

func (t *phaseTimer) set(phase timerPhase, d time.Duration) {
	if phase == phaseNone || d <= 0 {
		t.stop()
		return
	}
	t.when = time.Now().Add(d)
	if t.timer != nil && phase == t.phase && d == t.dur {
		t.timer.Reset(d)
		return
	}
	t.phase = phase
	t.dur = d
	if t.timer == nil {
		t.timer = time.AfterFunc(d, t.fire)
	} else {
		t.timer.Reset(d)
	}
}

func (t *phaseTimer) stop() {
	t.phase = phaseNone
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *phaseTimer) fire() {
	c := t.c
	c.mu.Lock()
	if c.conn != t.conn || t.phase == phaseNone {
		c.mu.Unlock()
		return
	}
	// A Reset racing the firing leaves a stale wakeup; re-arm the remainder.
	if rem := time.Until(t.when); rem > 10*time.Millisecond {
		t.timer.Reset(rem)
		c.mu.Unlock()
		return
	}
	phase := t.phase
	t.phase = phaseNone
	var err error
	switch phase {
	case phaseHeaders:
		err = errs.NewHeadersTimeout()
	case phaseBody:
		err = errs.NewBodyTimeout()
	case phaseIdle:
		err = errs.NewInfo("socket idle timeout")
	}
	c.destroyConnLocked(err)
	c.mu.Unlock()
}

func (c *Client) headersTimeoutOf(req *model.Request) time.Duration {
	if req.HeadersTimeout > 0 {
		return req.HeadersTimeout
	}
	return c.opts.HeadersTimeout
}

func (c *Client) bodyTimeoutOf(req *model.Request) time.Duration {
	if req.BodyTimeout > 0 {
		return req.BodyTimeout
	}
	return c.opts.BodyTimeout
}
