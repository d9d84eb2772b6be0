package internal

import (
	"context"
	"errors"

	"github.com/pipehttp/pipehttp/internal/model"
)

// PoolOptions configure a fixed-size client pool.
type PoolOptions struct {
	// Connections is the number of clients sharing the origin (default 100).
	Connections int
	Client      ClientOptions

	OnDrain func(*Pool)
	// OnDisconnect fires whenever any member loses its connection; agents
	// use it to evict idle pools.
	OnDisconnect func(*Pool, error)
}

// Pool fans dispatches out over a fixed array of clients sharing one origin.
type Pool struct {
	origin  string
	clients []*Client
	opts    PoolOptions
}

// NewPool builds a pool of opts.Connections clients for origin.
func NewPool(origin string, opts *PoolOptions) (*Pool, error) {
	p := &Pool{origin: origin}
	if opts != nil {
		p.opts = *opts
	}
	n := p.opts.Connections
	if n <= 0 {
		n = 100
	}
	p.clients = make([]*Client, n)
	for i := range p.clients {
		copts := p.opts.Client
		userDrain := copts.OnDrain
		copts.OnDrain = func(c *Client) {
			if userDrain != nil {
				userDrain(c)
			}
			if p.opts.OnDrain != nil {
				p.opts.OnDrain(p)
			}
		}
		userDisc := copts.OnDisconnect
		copts.OnDisconnect = func(c *Client, err error) {
			if userDisc != nil {
				userDisc(c, err)
			}
			if p.opts.OnDisconnect != nil {
				p.opts.OnDisconnect(p, err)
			}
		}
		c, err := NewClient(origin, &copts)
		if err != nil {
			return nil, err
		}
		p.clients[i] = c
	}
	return p, nil
}

func (p *Pool) Origin() string { return p.origin }

// Dispatch picks the least loaded member: the first non-busy client, else
// the first with queue room, else the head of the array.
func (p *Pool) Dispatch(opts *model.DispatchOptions, h model.Handler) bool {
	var target *Client
	for _, c := range p.clients {
		if !c.Busy() {
			target = c
			break
		}
	}
	if target == nil {
		for _, c := range p.clients {
			if !c.Full() {
				target = c
				break
			}
		}
	}
	if target == nil {
		target = p.clients[0]
	}
	return target.Dispatch(opts, h)
}

func (p *Pool) Close(ctx context.Context) error {
	var errsAll []error
	for _, c := range p.clients {
		if err := c.Close(ctx); err != nil {
			errsAll = append(errsAll, err)
		}
	}
	return errors.Join(errsAll...)
}

func (p *Pool) Destroy(err error) error {
	var errsAll []error
	for _, c := range p.clients {
		if derr := c.Destroy(err); derr != nil {
			errsAll = append(errsAll, derr)
		}
	}
	return errors.Join(errsAll...)
}

// Connected counts members holding a live connection.
func (p *Pool) Connected() int {
	n := 0
	for _, c := range p.clients {
		if c.Connected() {
			n++
		}
	}
	return n
}

// Size sums queued work across members.
func (p *Pool) Size() int {
	n := 0
	for _, c := range p.clients {
		n += c.Size()
	}
	return n
}

func (p *Pool) Pending() int {
	n := 0
	for _, c := range p.clients {
		n += c.Pending()
	}
	return n
}

func (p *Pool) Running() int {
	n := 0
	for _, c := range p.clients {
		n += c.Running()
	}
	return n
}

// Busy reports whether every member is busy.
func (p *Pool) Busy() bool {
	for _, c := range p.clients {
		if !c.Busy() {
			return false
		}
	}
	return true
}
