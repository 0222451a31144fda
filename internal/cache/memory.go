package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process LRU with TTL. Suitable as the only cache for a
// single-process deployment and as the local tier of Tiered.
type Memory struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	list *list.List               // front = most recent
	m    map[string]*list.Element // workflow id -> element
}

type memEntry struct {
	workflowID string
	state      []byte
	version    int
	exp        time.Time
}

func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{
		cap:  capacity,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
	}
}

func (c *Memory) Get(_ context.Context, workflowID string) ([]byte, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[workflowID]; ok {
		ent := el.Value.(memEntry)
		if ent.exp.After(time.Now()) {
			c.list.MoveToFront(el)
			return ent.state, ent.version, true
		}
		// expired: remove
		c.list.Remove(el)
		delete(c.m, workflowID)
	}
	return nil, 0, false
}

func (c *Memory) Put(_ context.Context, workflowID string, state []byte, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[workflowID]; ok {
		ent := el.Value.(memEntry)
		if ent.version > version && ent.exp.After(time.Now()) {
			return
		}
		el.Value = memEntry{workflowID: workflowID, state: state, version: version, exp: time.Now().Add(c.ttl)}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(memEntry{workflowID: workflowID, state: state, version: version, exp: time.Now().Add(c.ttl)})
	c.m[workflowID] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ent := lru.Value.(memEntry)
			delete(c.m, ent.workflowID)
			c.list.Remove(lru)
		}
	}
}

func (c *Memory) Delete(_ context.Context, workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[workflowID]; ok {
		c.list.Remove(el)
		delete(c.m, workflowID)
	}
}
