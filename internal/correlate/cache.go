// Package correlate recovers the tool-use id that permission requests
// lack. PreToolUse events carry the id; the later PermissionRequest for the
// same call carries the same session, tool and input but no id, so ids are
// queued per (session, tool, input) and consumed in arrival order.
package correlate

import (
	"sort"
	"sync"

	"github.com/g960059/islandd/internal/wire"
)

// Key identifies one queue. Input is the sorted-key serialization of the
// tool input.
type Key struct {
	Session string
	Tool    string
	Input   string
}

func KeyFor(ev wire.Event) Key {
	return Key{
		Session: ev.SessionID,
		Tool:    ev.ToolName(),
		Input:   ev.ToolInput.Canonical(),
	}
}

func (k Key) String() string {
	return k.Session + ":" + k.Tool + ":" + k.Input
}

type Cache struct {
	mu     sync.Mutex
	queues map[Key][]string
}

func NewCache() *Cache {
	return &Cache{queues: map[Key][]string{}}
}

func (c *Cache) Push(key Key, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[key] = append(c.queues[key], id)
}

// Pop removes and returns the oldest id queued under key.
func (c *Cache) Pop(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[key]
	if len(q) == 0 {
		return "", false
	}
	id := q[0]
	if len(q) == 1 {
		delete(c.queues, key)
	} else {
		c.queues[key] = q[1:]
	}
	return id, true
}

// Purge drops every queue belonging to session and returns how many keys
// were removed. Sessions match exactly, never by string prefix.
func (c *Cache) Purge(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.queues {
		if key.Session == session {
			delete(c.queues, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of queued ids across all keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

func (c *Cache) Keys() []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.queues))
	for key := range c.queues {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
