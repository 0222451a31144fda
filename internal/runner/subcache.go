package runner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// subCache keeps every subscription of one workflow type in memory so
// target resolution never queries the store per event.
//
// It is seeded from the subscription table once and then folded forward
// from the subscription_added / subscription_removed events the runner
// consumes. Because those markers sit in the same ordered log as the
// events they gate, a subscription created at global id N is live before
// event N+1 is routed, whichever process created it.
type subCache struct {
	workflowType string

	mu     sync.RWMutex
	bySubs map[string][]workflow.Sub
	loaded bool
}

func newSubCache(workflowType string) *subCache {
	return &subCache{
		workflowType: workflowType,
		bySubs:       make(map[string][]workflow.Sub),
	}
}

// load seeds the cache from the subscription table.
func (c *subCache) load(ctx context.Context, st store.Store, logger *zap.Logger) error {
	rows, err := st.SubscriptionsByType(ctx, c.workflowType)
	if err != nil {
		return fmt.Errorf("load subscriptions for %s: %w", c.workflowType, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySubs = make(map[string][]workflow.Sub, len(rows))
	for _, row := range rows {
		c.bySubs[row.WorkflowID] = append(c.bySubs[row.WorkflowID], workflow.Sub{
			EventType:  row.EventType,
			WorkflowID: row.SourceWorkflowID,
			Tags:       row.Tags,
			TagsAll:    row.TagsAll,
		})
	}
	c.loaded = true
	logger.Info("Subscription cache loaded",
		zap.Int("subscriptions", len(rows)),
		zap.Int("workflows", len(c.bySubs)))
	return nil
}

// fold applies subscription markers from the event stream.
func (c *subCache) fold(ev workflow.ConsumedEvent) {
	switch e := ev.Event.(type) {
	case workflow.SubscriptionAdded:
		c.add(ev.WorkflowID, e.Sub)
	case workflow.SubscriptionRemoved:
		c.remove(ev.WorkflowID, e.Sub)
	}
}

func (c *subCache) add(workflowID string, sub workflow.Sub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.bySubs[workflowID] {
		if have.Equal(sub) {
			return
		}
	}
	c.bySubs[workflowID] = append(c.bySubs[workflowID], sub)
}

func (c *subCache) remove(workflowID string, sub workflow.Sub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.bySubs[workflowID]
	for i, have := range subs {
		if have.Equal(sub) {
			c.bySubs[workflowID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(c.bySubs[workflowID]) == 0 {
		delete(c.bySubs, workflowID)
	}
}

// match returns the workflow ids holding at least one subscription that
// matches the event. The source workflow and event type match literally or
// by "*"; tag filters run over the union of event and workflow tags.
func (c *subCache) match(ev workflow.ConsumedEvent) []string {
	eventTags := ev.EventTags()
	workflowTags := ev.WorkflowTags()

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for subscriber, subs := range c.bySubs {
		for _, sub := range subs {
			if sub.WorkflowID != "*" && sub.WorkflowID != ev.WorkflowID {
				continue
			}
			if sub.EventType != "*" && sub.EventType != ev.EventType {
				continue
			}
			if !sub.MatchesTags(eventTags, workflowTags) {
				continue
			}
			out = append(out, subscriber)
			break
		}
	}
	return out
}

// size reports how many subscriptions are cached, for tests.
func (c *subCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, subs := range c.bySubs {
		n += len(subs)
	}
	return n
}
