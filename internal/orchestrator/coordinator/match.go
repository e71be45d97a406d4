package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/orchestra/internal/events"
	"github.com/kdlbs/orchestra/internal/orchestrator/queue"
	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// matchLoop drains the admission queue against Idle agents whenever
// signalled (a task submitted, an agent became Idle) rather than on a
// fixed poll.
func (c *Coordinator) matchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.matchSignal:
			c.drainMatches(ctx)
		}
	}
}

// drainMatches repeatedly pairs the highest-priority matchable task with
// an eligible Idle agent until no more pairs can be made. Only matchLoop
// calls this, so there is exactly one drainer at a time; no separate
// locking is needed around the pick-then-assign sequence below.
func (c *Coordinator) drainMatches(ctx context.Context) {
	for {
		if _, ok := c.pickEligibleAgent(nil); !ok {
			return
		}
		var candidate string
		entry := c.admission.DequeueMatching(func(e *queue.Entry) bool {
			id, ok := c.pickEligibleAgent(e.Item)
			if !ok {
				return false
			}
			candidate = id
			return true
		})
		if entry == nil {
			return
		}
		if !c.assign(ctx, entry.Item, candidate) {
			_ = c.admission.Enqueue(entry.Item)
			return
		}
	}
}

// pickEligibleAgent returns the first (registration-order) Idle agent
// able to run item. When item is nil it only checks whether any Idle
// agent currently exists, to short-circuit an empty drain pass.
func (c *Coordinator) pickEligibleAgent(item *v1.WorkItem) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.agentSeq {
		a, ok := c.agents[id]
		if !ok || a.Status != v1.AgentIdle {
			continue
		}
		if item == nil {
			return id, true
		}
		if pinned, ok := item.Payload["agent_id"].(string); ok && pinned != "" {
			if pinned == id {
				return id, true
			}
			continue
		}
		if item.Type == "" || a.HasCapability(item.Type) {
			return id, true
		}
	}
	return "", false
}

// assign transitions item to Running, marks agent Busy, and hands the
// item to the Dispatcher. On dispatch failure it rolls both back so the
// item can be requeued.
func (c *Coordinator) assign(ctx context.Context, item *v1.WorkItem, agentID string) bool {
	if c.dispatcher == nil {
		return false
	}

	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok || a.Status != v1.AgentIdle {
		c.mu.Unlock()
		return false
	}
	a.Status = v1.AgentBusy
	a.UpdatedAt = time.Now().UTC()
	item.Status = v1.WorkRunning
	item.AgentID = agentID
	now := time.Now().UTC()
	item.StartedAt = &now
	c.mu.Unlock()

	if !c.dispatcher.TryDispatch(agentID, item) {
		c.mu.Lock()
		a.Status = v1.AgentIdle
		item.Status = v1.WorkPending
		item.AgentID = ""
		item.StartedAt = nil
		c.mu.Unlock()
		c.logger.Warn("dispatch rejected, requeuing", zap.String("agent_id", agentID), zap.String("task_id", item.ID))
		return false
	}

	c.logger.Debug("task assigned", zap.String("task_id", item.ID), zap.String("agent_id", agentID))
	c.emit(ctx, events.EventTaskAssigned, map[string]interface{}{"task_id": item.ID, "agent_id": agentID, "workflow_id": item.WorkflowID})
	return true
}

// sweepLoop periodically marks Running tasks that have exceeded their
// timeout as TimedOut; it does not change agent liveness status. The
// interval is configured at <= half the smallest configured timeout
// enforced by the caller that builds Config.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepTimeouts(ctx)
		}
	}
}

func (c *Coordinator) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()

	c.mu.Lock()
	var timedOut []*v1.WorkItem
	for _, t := range c.tasks {
		if t.Status != v1.WorkRunning || t.StartedAt == nil || t.Timeout <= 0 {
			continue
		}
		if now.Sub(*t.StartedAt) < t.Timeout {
			continue
		}
		t.Status = v1.WorkTimedOut
		t.Error = "task_timeout"
		t.CompletedAt = &now
		if a, ok := c.agents[t.AgentID]; ok && a.Status == v1.AgentBusy {
			a.Status = v1.AgentIdle
			a.UpdatedAt = now
		}
		timedOut = append(timedOut, t.Clone())
	}
	c.mu.Unlock()

	for _, t := range timedOut {
		c.logger.Warn("task timed out", zap.String("task_id", t.ID), zap.String("agent_id", t.AgentID))
		c.emit(ctx, events.EventTaskTimeout, map[string]interface{}{"task_id": t.ID, "agent_id": t.AgentID, "workflow_id": t.WorkflowID})
		if t.AgentID != "" && c.dispatcher != nil {
			c.dispatcher.Cancel(t.AgentID, t.ID)
		}
	}
	if len(timedOut) > 0 {
		c.signalMatch()
	}
}
