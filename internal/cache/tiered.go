package cache

import "context"

// Tiered puts a process-local cache in front of a shared backend. Reads
// that miss locally fall through to the backend and backfill; writes and
// deletes go to both.
type Tiered struct {
	local  StateCache
	remote StateCache
}

func NewTiered(local, remote StateCache) *Tiered {
	return &Tiered{local: local, remote: remote}
}

func (c *Tiered) Get(ctx context.Context, workflowID string) ([]byte, int, bool) {
	if state, version, ok := c.local.Get(ctx, workflowID); ok {
		return state, version, true
	}
	state, version, ok := c.remote.Get(ctx, workflowID)
	if ok {
		c.local.Put(ctx, workflowID, state, version)
	}
	return state, version, ok
}

func (c *Tiered) Put(ctx context.Context, workflowID string, state []byte, version int) {
	c.local.Put(ctx, workflowID, state, version)
	c.remote.Put(ctx, workflowID, state, version)
}

func (c *Tiered) Delete(ctx context.Context, workflowID string) {
	c.local.Delete(ctx, workflowID)
	c.remote.Delete(ctx, workflowID)
}
