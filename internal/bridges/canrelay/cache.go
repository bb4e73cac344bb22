package canrelay

import "slices"

// Cache mirrors the last known state of every discovered relay node.
//
// Cache does no locking of its own. Access guards it together with
// listener dispatch so both are ordered by one mutex.
type Cache struct {
	states map[int]bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{states: make(map[int]bool)}
}

// Get returns the cached state of a node and whether the node is known.
func (c *Cache) Get(nodeID int) (on, known bool) {
	on, known = c.states[nodeID]
	return on, known
}

// Len returns the number of known nodes.
func (c *Cache) Len() int {
	return len(c.states)
}

// Replace discards every entry and loads the given states.
func (c *Cache) Replace(states []LightState) {
	c.states = make(map[int]bool, len(states))
	for _, s := range states {
		c.states[s.NodeID] = s.On
	}
}

// Update sets a known node's state and reports whether it changed.
// Unknown nodes are left alone.
func (c *Cache) Update(nodeID int, on bool) bool {
	prev, known := c.states[nodeID]
	if !known || prev == on {
		return false
	}
	c.states[nodeID] = on
	return true
}

// Merge folds freshly observed states into the cache and returns only the
// entries that differ from what was cached. Nodes not cached before count
// as changed. Cached nodes missing from fresh are kept.
func (c *Cache) Merge(fresh []LightState) []LightState {
	var changed []LightState
	for _, s := range fresh {
		prev, known := c.states[s.NodeID]
		if known && prev == s.On {
			continue
		}
		c.states[s.NodeID] = s.On
		changed = append(changed, s)
	}
	return changed
}

// Clear empties the cache.
func (c *Cache) Clear() {
	clear(c.states)
}

// Snapshot returns a copy of every entry, ordered by node ID.
func (c *Cache) Snapshot() []LightState {
	out := make([]LightState, 0, len(c.states))
	for id, on := range c.states {
		out = append(out, LightState{NodeID: id, On: on})
	}
	slices.SortFunc(out, func(a, b LightState) int { return a.NodeID - b.NodeID })
	return out
}
