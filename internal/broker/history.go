package broker

import (
	"sync"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// historyCache keeps the most recent delivery outcomes per agent in memory
// so history queries avoid the disk segments for the common case.
type historyCache struct {
	mu       sync.RWMutex
	perAgent int
	entries  map[string][]*v1.HistoryEntry // oldest first
}

func newHistoryCache(perAgent int) *historyCache {
	return &historyCache{
		perAgent: perAgent,
		entries:  make(map[string][]*v1.HistoryEntry),
	}
}

func (c *historyCache) append(agentID string, entry *v1.HistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := append(c.entries[agentID], entry)
	if len(ring) > c.perAgent {
		ring = ring[len(ring)-c.perAgent:]
	}
	c.entries[agentID] = ring
}

// get returns up to limit entries, newest first.
func (c *historyCache) get(agentID string, limit int) []*v1.HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.entries[agentID]
	n := len(ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*v1.HistoryEntry, 0, n)
	for i := len(ring) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ring[i])
	}
	return out
}

// lookup finds a message previously recorded for agentID.
func (c *historyCache) lookup(agentID, messageID string) (*v1.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.entries[agentID]
	for i := len(ring) - 1; i >= 0; i-- {
		if ring[i].Message != nil && ring[i].Message.ID == messageID {
			return ring[i].Message, true
		}
	}
	return nil, false
}

func (c *historyCache) drop(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID)
}
