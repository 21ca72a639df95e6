// Package metrics holds the process counters owned by the runtime.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counters are safe for concurrent use. The zero value is ready.
type Counters struct {
	calls       atomic.Int64
	successes   atomic.Int64
	rateLimited atomic.Int64
	parseErrors atomic.Int64
	rpcErrors   atomic.Int64

	mu       sync.Mutex
	failures map[string]*atomic.Int64
}

// New returns zeroed counters.
func New() *Counters { return &Counters{} }

// CallStarted counts a tools/call entering the pipeline.
func (c *Counters) CallStarted() { c.calls.Add(1) }

// CallSucceeded counts a successful tool result.
func (c *Counters) CallSucceeded() { c.successes.Add(1) }

// CallFailed counts a failed tool result by its tool-domain code.
func (c *Counters) CallFailed(code string) { c.failure(code).Add(1) }

// RateLimited counts a request rejected before dispatch.
func (c *Counters) RateLimited() { c.rateLimited.Add(1) }

// ParseError counts an undecodable input line.
func (c *Counters) ParseError() { c.parseErrors.Add(1) }

// RPCError counts a JSON-RPC error response of any other kind.
func (c *Counters) RPCError() { c.rpcErrors.Add(1) }

func (c *Counters) failure(code string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]*atomic.Int64)
	}
	n, ok := c.failures[code]
	if !ok {
		n = new(atomic.Int64)
		c.failures[code] = n
	}
	return n
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Calls       int64            `json:"calls"`
	Successes   int64            `json:"successes"`
	Failures    map[string]int64 `json:"failures"`
	RateLimited int64            `json:"rate_limited"`
	ParseErrors int64            `json:"parse_errors"`
	RPCErrors   int64            `json:"rpc_errors"`
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Calls:       c.calls.Load(),
		Successes:   c.successes.Load(),
		RateLimited: c.rateLimited.Load(),
		ParseErrors: c.parseErrors.Load(),
		RPCErrors:   c.rpcErrors.Load(),
		Failures:    map[string]int64{},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, n := range c.failures {
		s.Failures[code] = n.Load()
	}
	return s
}

// FailureCodes returns the codes seen so far, sorted.
func (s Snapshot) FailureCodes() []string {
	codes := make([]string, 0, len(s.Failures))
	for c := range s.Failures {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
