package relay

import "sync"

// coalescer accumulates inbound fragments between a scheduled flush and its
// execution. Every transition of the open segment from empty to non-empty is
// paired with exactly one scheduled flush, and each flush drains the oldest
// segment.
//
// seal closes the open segment so that fragments arriving after a non-data
// event start a new segment (and a new flush) instead of joining a batch that
// is delivered ahead of that event.
type coalescer struct {
	mu     sync.Mutex
	sealed [][][]byte
	open   [][]byte
}

// add appends frags and reports whether the open segment was empty before, in
// which case the caller must schedule a flush.
func (c *coalescer) add(frags [][]byte) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first = len(c.open) == 0
	c.open = append(c.open, frags...)
	return first
}

func (c *coalescer) seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.open) > 0 {
		c.sealed = append(c.sealed, c.open)
		c.open = nil
	}
}

// drain takes the oldest segment as one batch and removes it.
func (c *coalescer) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sealed) > 0 {
		batch := c.sealed[0]
		c.sealed[0] = nil
		c.sealed = c.sealed[1:]
		return batch
	}
	batch := c.open
	c.open = nil
	return batch
}

func (c *coalescer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = nil
	c.open = nil
}

// len returns the number of buffered fragments across all segments.
func (c *coalescer) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.open)
	for _, s := range c.sealed {
		n += len(s)
	}
	return n
}
