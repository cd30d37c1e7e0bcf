package finding

import "sync"

// Collector is an append-only finding accumulator threaded through one
// inspection. It is safe for concurrent use by per-tensor workers.
type Collector struct {
	mu    sync.Mutex
	items []Finding
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends findings.
func (c *Collector) Add(fs ...Finding) {
	if len(fs) == 0 {
		return
	}
	c.mu.Lock()
	c.items = append(c.items, fs...)
	c.mu.Unlock()
}

// Len returns the number of findings collected so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Findings returns a sorted snapshot of the collected findings.
func (c *Collector) Findings() []Finding {
	c.mu.Lock()
	out := make([]Finding, len(c.items))
	copy(out, c.items)
	c.mu.Unlock()
	Sort(out)
	return out
}
