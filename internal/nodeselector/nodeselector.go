// Package nodeselector implements the node cursor contract the retry
// controller consumes: Next/PrevFailed over a pool of candidate
// backends, with per-node metrics and a simple round-robin-with-penalty
// policy. Pinning, round-robin, or power-of-two-choices could all
// implement the same interface; this package ships the round-robin
// default, the way caddy ships multiple selection policies behind one
// reverseproxy.Selector interface.
package nodeselector

import (
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/nodeedge/dispatch/internal/metrics"
)

// Node is one candidate backend.
type Node struct {
	URL     *url.URL
	Metrics *metrics.HostMetrics
}

// Cursor is a single-use iterator over the nodes of one dispatch. It is
// never called concurrently: the retry controller only ever has one
// outstanding Next/PrevFailed call at a time.
type Cursor interface {
	// Next yields the next candidate node, or ok=false if the cursor is
	// exhausted.
	Next() (node *Node, ok bool)
	// PrevFailed penalizes the most recently yielded node.
	PrevFailed()
}

// Factory produces a single-use Cursor for one dispatch.
type Factory interface {
	NewCursor() Cursor
}

// Pool is a shared, concurrency-safe set of candidate nodes reachable
// by round robin, with per-node failure counts that bias future cursors
// toward the nodes that have failed least; the counts are never
// decremented. Many dispatches obtain
// cursors from the same Pool concurrently.
type Pool struct {
	mu    sync.Mutex
	nodes []*poolNode
	next  uint64 // atomic round-robin counter
}

type poolNode struct {
	node     *Node
	failures int
}

// NewRoundRobinPool builds a Pool from a fixed set of base URLs.
func NewRoundRobinPool(bases []*url.URL) *Pool {
	p := &Pool{}
	for _, u := range bases {
		p.nodes = append(p.nodes, &poolNode{
			node: &Node{URL: u, Metrics: metrics.NewHostMetrics(u.Host)},
		})
	}
	return p
}

// NewCursor returns a fresh single-use cursor starting at the pool's
// current round-robin offset.
func (p *Pool) NewCursor() Cursor {
	start := atomic.AddUint64(&p.next, 1)
	return &roundRobinCursor{pool: p, offset: start, tried: make(map[int]bool)}
}

// penalize increments the failure count for the node at index i,
// biasing it to the back of future selections.
func (p *Pool) penalize(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[i].failures++
}

// pick returns, among the nodes this cursor has not yet tried, the one
// with the fewest recorded failures, scanning from offset so that ties
// go to the earliest node in round-robin order. It never repeats a node
// within the same dispatch.
func (p *Pool) pick(offset uint64, tried map[int]bool) (*Node, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.nodes)
	if n == 0 {
		return nil, 0, false
	}

	bestIdx := -1
	bestFailures := -1
	for step := 0; step < n; step++ {
		idx := int((offset + uint64(step)) % uint64(n))
		if tried[idx] {
			continue
		}
		if bestIdx == -1 || p.nodes[idx].failures < bestFailures {
			bestIdx = idx
			bestFailures = p.nodes[idx].failures
		}
	}
	if bestIdx == -1 {
		return nil, 0, false
	}
	return p.nodes[bestIdx].node, bestIdx, true
}

type roundRobinCursor struct {
	pool      *Pool
	offset    uint64
	lastIndex int
	hasLast   bool
	tried     map[int]bool
}

func (c *roundRobinCursor) Next() (*Node, bool) {
	node, idx, ok := c.pool.pick(c.offset, c.tried)
	if !ok {
		c.hasLast = false
		return nil, false
	}
	c.tried[idx] = true
	c.lastIndex = idx
	c.hasLast = true
	return node, true
}

func (c *roundRobinCursor) PrevFailed() {
	if !c.hasLast {
		return
	}
	c.pool.penalize(c.lastIndex)
}
