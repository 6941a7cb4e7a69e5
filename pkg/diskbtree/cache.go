package diskbtree

// nodeCache is a bounded offset->node map with an access counter,
// evicting least-recently-used entries once full. Every
// B+tree mutation calls through to the storage layer's WriteNodeFunc
// before the node is cached, so this cache never has to flush a dirty
// node itself on eviction — but the storage layer is free to batch
// that write internally, and must keep serving reads for an evicted,
// not-yet-durable node out of its own pending buffer (see binfile's
// pendingNodes) rather than treating write-through as fsync-through.
type nodeCache struct {
	entries  map[int64]*cacheEntry
	cap      int
	accessNo uint64
}

type cacheEntry struct {
	node       *Node
	lastAccess uint64
}

func newNodeCache(capacity int) *nodeCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &nodeCache{
		entries: make(map[int64]*cacheEntry, capacity),
		cap:     capacity,
	}
}

func (c *nodeCache) get(offset int64) (*Node, bool) {
	e, ok := c.entries[offset]
	if !ok {
		return nil, false
	}
	c.accessNo++
	e.lastAccess = c.accessNo
	return e.node, true
}

func (c *nodeCache) put(n *Node) {
	c.accessNo++
	if e, ok := c.entries[n.Offset]; ok {
		e.node = n
		e.lastAccess = c.accessNo
		return
	}
	c.entries[n.Offset] = &cacheEntry{node: n, lastAccess: c.accessNo}
	if len(c.entries) >= c.cap {
		c.evictToTarget()
	}
}

func (c *nodeCache) remove(offset int64) {
	delete(c.entries, offset)
}

// evictToTarget evicts least-recently-used entries until the cache is
// at or below 80% of capacity.
func (c *nodeCache) evictToTarget() {
	target := (c.cap * 8) / 10
	if target < 1 {
		target = 1
	}
	for len(c.entries) > target {
		var victimOffset int64
		var victimAccess uint64
		first := true
		for off, e := range c.entries {
			if first || e.lastAccess < victimAccess {
				victimOffset = off
				victimAccess = e.lastAccess
				first = false
			}
		}
		delete(c.entries, victimOffset)
	}
}

func (c *nodeCache) clear() {
	c.entries = make(map[int64]*cacheEntry, c.cap)
	c.accessNo = 0
}

func (c *nodeCache) len() int { return len(c.entries) }
