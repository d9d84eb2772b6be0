package pipehttp

import "sync"

// The default agent is an explicit process-wide singleton: created lazily on
// first use, replaceable for tests or custom pool configuration.
var (
	globalMu    sync.Mutex
	globalAgent *Agent
)

// GlobalAgent returns the process-wide agent, creating it on first use.
func GlobalAgent() *Agent {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAgent == nil {
		globalAgent = NewAgent(nil)
	}
	return globalAgent
}

// SetGlobalAgent replaces the process-wide agent. The previous agent is not
// closed; the caller owns its lifecycle.
func SetGlobalAgent(a *Agent) {
	if a == nil {
		panic("pipehttp: nil agent")
	}
	globalMu.Lock()
	globalAgent = a
	globalMu.Unlock()
}
