// ABOUTME: Periodic sweep that tears down sessions idle longer than the configured timeout
// ABOUTME: Streaming sessions are never swept; swept sessions resume on the next message

package session

import (
	"context"
	"time"
)

// RunSweeper closes idle sessions every SweepInterval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes every local session idle past IdleTimeout and returns how many it closed.
func (m *Manager) sweepIdle() int {
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var idle []*Active
	for _, a := range m.sessions {
		if a.idleSince(cutoff) {
			idle = append(idle, a)
		}
	}
	m.mu.Unlock()

	for _, a := range idle {
		m.logger.Info("closing idle session", "session_id", a.id, "idle_timeout", m.opts.IdleTimeout)
		m.teardown(a, false)
	}
	return len(idle)
}
