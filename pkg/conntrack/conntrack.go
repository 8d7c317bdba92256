// Package conntrack remembers the policy decision per flow so later packets
// of the same flow skip the rule walk.
package conntrack

import (
	"sync"
	"time"

	"github.com/mazdakn/uqueue/pkg/packet"
	"github.com/mazdakn/uqueue/pkg/policy"
)

type Connection struct {
	Decision   policy.Decision
	Packets    uint64
	lastActive time.Time
}

type ConnTable struct {
	mu      sync.Mutex
	conns   map[string]*Connection
	timeout time.Duration
	now     func() time.Time
}

// New returns a table whose entries expire after timeout without traffic.
// A zero timeout keeps entries until deleted.
func New(timeout time.Duration) *ConnTable {
	return &ConnTable{
		conns:   make(map[string]*Connection),
		timeout: timeout,
		now:     time.Now,
	}
}

func (c *ConnTable) Add(pkt *packet.Packet, d policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[pkt.Tuple()] = &Connection{
		Decision:   d,
		Packets:    1,
		lastActive: c.now(),
	}
}

// Lookup returns the flow's decision and refreshes it. Expired entries are
// removed and reported as missing.
func (c *ConnTable) Lookup(pkt *packet.Packet) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pkt.Tuple()
	conn, exists := c.conns[key]
	if !exists {
		return policy.Decision{}, false
	}
	now := c.now()
	if c.expired(conn, now) {
		delete(c.conns, key)
		return policy.Decision{}, false
	}
	conn.lastActive = now
	conn.Packets++
	return conn.Decision, true
}

func (c *ConnTable) Delete(pkt *packet.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, pkt.Tuple())
}

func (c *ConnTable) expired(conn *Connection, now time.Time) bool {
	return c.timeout > 0 && now.Sub(conn.lastActive) > c.timeout
}

// Expire removes idle entries and returns how many were removed.
func (c *ConnTable) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, conn := range c.conns {
		if c.expired(conn, now) {
			delete(c.conns, key)
			removed++
		}
	}
	return removed
}

func (c *ConnTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}
