package ident

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snowflake-style layout: 41-bit millisecond timestamp, 10-bit node id,
// 12-bit per-millisecond sequence.
const (
	epochMillis  = int64(1704067200000) // 2024-01-01T00:00:00Z
	nodeIDBits   = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeIDBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeIDShift    = sequenceBits
	timestampShift = nodeIDBits + sequenceBits

	maxClockRollback = 5 * time.Millisecond
)

// Generator issues unique ids for rows that are written by exactly one
// worker, where determinism across the cluster is not required.
type Generator struct {
	nodeID int64

	mu       sync.Mutex
	lastTime int64
	sequence int64
	now      func() time.Time
}

// NewGenerator builds a Generator for an explicit node id in [0, 1023].
func NewGenerator(nodeID int) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("node id must be in [0, %d], got %d", maxNodeID, nodeID)
	}
	return &Generator{nodeID: int64(nodeID), now: time.Now}, nil
}

// NewGeneratorFromAddress derives the node id from the worker's cluster
// address, so co-clustered workers get distinct ids without configuration.
func NewGeneratorFromAddress(address string) *Generator {
	nodeID := int(xxhash.Sum64String(address) % (maxNodeID + 1))
	gen, _ := NewGenerator(nodeID)
	return gen
}

// NextID returns the next unique id. Small clock rollbacks are waited out;
// larger ones are an error rather than a silent duplicate risk.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.now().UnixMilli()
	if current < g.lastTime {
		rollback := time.Duration(g.lastTime-current) * time.Millisecond
		if rollback > maxClockRollback {
			return 0, fmt.Errorf("clock moved back %s, refusing to generate id", rollback)
		}
		time.Sleep(rollback + time.Millisecond)
		current = g.now().UnixMilli()
	}

	if current == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for current <= g.lastTime {
				current = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = current
	return (current-epochMillis)<<timestampShift | g.nodeID<<nodeIDShift | g.sequence, nil
}

// NodeID reports the node id baked into every generated identifier.
func (g *Generator) NodeID() int {
	return int(g.nodeID)
}
