package ids

import (
	"fmt"
	"sync"
	"time"
)

// Generator assigns unique, time-sortable identifiers. It is passed to
// repositories explicitly; there is no package-level instance.
type Generator interface {
	NextID() int64
}

const (
	nodeBits     = 10
	sequenceBits = 12
	maxNode      = (1 << nodeBits) - 1
	maxSequence  = (1 << sequenceBits) - 1
)

// epoch is 2024-01-01T00:00:00Z in Unix milliseconds, keeping ids well
// inside the positive int64 range for decades.
const epoch int64 = 1704067200000

// Node generates ids from a millisecond clock, a node id and a per-millisecond
// sequence counter. Safe for concurrent use.
type Node struct {
	mu       sync.Mutex
	node     int64
	lastTime int64
	sequence int64
}

// NewNode constructs a generator for the given node id (0..1023).
func NewNode(node int64) (*Node, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", node, maxNode)
	}
	return &Node{node: node}, nil
}

// NextID returns the next identifier. Within one millisecond ids differ by
// sequence; across milliseconds they sort by time.
func (n *Node) NextID() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < n.lastTime {
		// Clock went backwards; hold the line at the last observed time.
		now = n.lastTime
	}

	if now == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			for now <= n.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.sequence = 0
	}
	n.lastTime = now

	return (now-epoch)<<(nodeBits+sequenceBits) | n.node<<sequenceBits | n.sequence
}
