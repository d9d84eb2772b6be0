// Package pipehttp is a pipelining HTTP/1.1 client. A Client owns one
// connection to a fixed origin and writes queued requests back-to-back; a
// Pool shares an origin across a fixed set of clients; an Agent routes by
// origin and a RedirectAgent follows 3xx responses on top.
package pipehttp

import (
	"github.com/pipehttp/pipehttp/internal"
	"github.com/pipehttp/pipehttp/internal/dialer"
	"github.com/pipehttp/pipehttp/internal/model"
)

type Client = internal.Client
type ClientOptions = internal.ClientOptions
type Pool = internal.Pool
type PoolOptions = internal.PoolOptions
type Agent = internal.Agent
type AgentOptions = internal.AgentOptions
type RedirectAgent = internal.RedirectAgent
type Dispatcher = internal.Dispatcher

type Header = model.Header
type Handler = model.Handler
type DispatchOptions = model.DispatchOptions

type TLSOptions = dialer.TLSOptions

func NewClient(origin string, opts *ClientOptions) (*Client, error) {
	return internal.NewClient(origin, opts)
}

func NewPool(origin string, opts *PoolOptions) (*Pool, error) {
	return internal.NewPool(origin, opts)
}

func NewAgent(opts *AgentOptions) *Agent {
	return internal.NewAgent(opts)
}

func NewRedirectAgent(inner Dispatcher, maxRedirections int) *RedirectAgent {
	return internal.NewRedirectAgent(inner, maxRedirections)
}
