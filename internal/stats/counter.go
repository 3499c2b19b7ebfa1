// Package stats accumulates per-direction traffic counters.
package stats

import "sync"

type Direction int

const (
	TX Direction = iota
	RX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// Snapshot is a point-in-time copy of all four counters.
type Snapshot struct {
	TxBytes uint64 `json:"txBytes"`
	RxBytes uint64 `json:"rxBytes"`
	TxPkts  uint64 `json:"txPkts"`
	RxPkts  uint64 `json:"rxPkts"`
}

// Counter is safe for concurrent use. A single mutex guards all fields so
// a Snapshot never mixes values from before and after a Record.
type Counter struct {
	mu sync.Mutex
	s  Snapshot
}

func NewCounter() *Counter {
	return &Counter{}
}

// Record adds one packet of n bytes in direction d.
func (c *Counter) Record(d Direction, n uint64) {
	c.mu.Lock()
	if d == TX {
		c.s.TxBytes += n
		c.s.TxPkts++
	} else {
		c.s.RxBytes += n
		c.s.RxPkts++
	}
	c.mu.Unlock()
}

func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *Counter) Reset() {
	c.mu.Lock()
	c.s = Snapshot{}
	c.mu.Unlock()
}
