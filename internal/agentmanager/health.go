package agentmanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

// inboxHealthLoop is the fast tier: every InboxCheckInterval it checks
// each locally-tracked connection's own last-activity clock. This is the
// first line of defense because it needs no round trip through the
// Coordinator's registry.
func (m *Manager) inboxHealthLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.InboxCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepConnections(ctx)
		}
	}
}

func (m *Manager) sweepConnections(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*AgentConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		idle := c.idleSince()
		switch {
		case idle >= m.cfg.AgentDeadThreshold:
			m.logger.Warn("agent connection dead, unregistering",
				zap.String("agent_id", c.AgentID), zap.Duration("idle_for", idle))
			m.Disconnect(c.AgentID)
			m.coord.UnregisterAgent(ctx, c.AgentID)
		case idle >= m.cfg.AgentInactiveThreshold:
			m.logger.Warn("agent connection inactive, downgrading to offline",
				zap.String("agent_id", c.AgentID), zap.Duration("idle_for", idle))
			m.coord.UpdateAgentStatus(ctx, c.AgentID, v1.AgentOffline)
		}
	}
}

// globalHealthLoop is the slow tier: every GlobalCheckInterval it
// cross-checks the Coordinator's full agent roster by last_seen. This
// catches agents the Agent Manager never saw a connection for (e.g.
// registered but whose inbox dispatch loop never started) and agents
// whose inboxHealthLoop iteration was itself delayed or lost.
func (m *Manager) globalHealthLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.GlobalCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepRoster(ctx)
		}
	}
}

func (m *Manager) sweepRoster(ctx context.Context) {
	now := time.Now().UTC()
	for _, a := range m.coord.ListAgents() {
		idle := now.Sub(a.LastSeen)
		if idle < m.cfg.AgentDeadThreshold {
			continue
		}
		m.logger.Warn("agent stale in coordinator roster, unregistering",
			zap.String("agent_id", a.ID), zap.Duration("idle_for", idle))
		m.Disconnect(a.ID)
		m.coord.UnregisterAgent(ctx, a.ID)
	}
}
