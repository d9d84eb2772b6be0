package internal

import (
	"context"
	"errors"
	"sync"

	"github.com/pipehttp/pipehttp/internal/errs"
	"github.com/pipehttp/pipehttp/internal/model"
)

// AgentOptions configure an Agent.
type AgentOptions struct {
	// Factory builds the pool for a new origin. Defaults to NewPool.
	Factory func(origin string, opts *PoolOptions) (*Pool, error)
	// Pool is the template applied to every created pool.
	Pool PoolOptions
}

// Agent maps origins to pools, creating them lazily and evicting them once
// idle and empty. Same double-checked map shape as a per-host connection
// pool group.
type Agent struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	opts   AgentOptions
	closed bool
}

func NewAgent(opts *AgentOptions) *Agent {
	a := &Agent{pools: map[string]*Pool{}}
	if opts != nil {
		a.opts = *opts
	}
	if a.opts.Factory == nil {
		a.opts.Factory = NewPool
	}
	return a
}

// Dispatch routes by opts.Origin.
func (a *Agent) Dispatch(opts *model.DispatchOptions, h model.Handler) bool {
	if opts == nil || opts.Origin == "" {
		if h != nil {
			h.OnError(errs.NewInvalidArg("dispatch requires an origin"))
		}
		return true
	}
	o, err := parseOrigin(opts.Origin)
	if err != nil {
		if h != nil {
			h.OnError(err)
		}
		return true
	}
	p, err := a.pool(o.String())
	if err != nil {
		if h != nil {
			h.OnError(err)
		}
		return true
	}
	return p.Dispatch(opts, h)
}

func (a *Agent) pool(key string) (*Pool, error) {
	a.mu.RLock()
	p, ok := a.pools[key]
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, errs.NewClosed()
	}
	if ok {
		return p, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errs.NewClosed()
	}
	if p, ok = a.pools[key]; ok {
		return p, nil
	}
	popts := a.opts.Pool
	userDisc := popts.OnDisconnect
	popts.OnDisconnect = func(p *Pool, err error) {
		if userDisc != nil {
			userDisc(p, err)
		}
		a.maybeEvict(key)
	}
	p, err := a.opts.Factory(key, &popts)
	if err != nil {
		return nil, err
	}
	a.pools[key] = p
	return p, nil
}

// maybeEvict drops the pool entry once it holds no connection and no queued
// work. Driven by disconnect events rather than finalizers so eviction never
// depends on the collector.
func (a *Agent) maybeEvict(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[key]
	if !ok {
		return
	}
	if p.Connected() == 0 && p.Size() == 0 {
		delete(a.pools, key)
	}
}

func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.Unlock()

	var errsAll []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			errsAll = append(errsAll, err)
		}
	}
	return errors.Join(errsAll...)
}

func (a *Agent) Destroy(err error) error {
	a.mu.Lock()
	a.closed = true
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.pools = map[string]*Pool{}
	a.mu.Unlock()

	var errsAll []error
	for _, p := range pools {
		if derr := p.Destroy(err); derr != nil {
			errsAll = append(errsAll, derr)
		}
	}
	return errors.Join(errsAll...)
}
