package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

const reasonUpgrade = "upgrade"

// switchToUpgradeSession swaps the pipeline of ws for a new one built for a
// model upgrade. The Workspace object survives; its sessions are told to
// reconnect and are disconnected. Callers hold m.mu; it is released while the
// old generation shuts down and re-acquired before returning.
func (m *Manager) switchToUpgradeSession(ctx context.Context, tok token.Token, ws *Workspace, info WorkspaceInfo) *pipelineFuture {
	wasUpgrading := ws.upgrade
	ws.upgrade = true
	ws.backup = tok.IsBackup()
	ws.info = info

	entries := ws.entriesLocked()
	offline := m.evictAllLocked(ctx, entries)
	oldFut := ws.pipeline
	newFut := newPipelineFuture()
	ws.pipeline = newFut
	if !wasUpgrading {
		// New generation: continuations holding the old id see themselves stale.
		ws.id = uuid.NewString()
		ws.sessions = make(map[string]*sessionEntry)
	}
	gen := ws.id
	metrics.Upgrades.Inc()
	m.mu.Unlock()

	m.log.Info().Str("workspace", ws.key).Str("generation", gen).
		Int("sessions", len(entries)).Bool("backup", ws.backup).Msg("switching workspace to upgrade session")

	m.closeSessions(ctx, entries, reasonUpgrade)
	for _, p := range offline {
		m.markOffline(ctx, p)
	}
	m.closePipeline(ctx, ws.key, oldFut)

	go m.constructPipeline(context.WithoutCancel(ctx), ws, gen, newFut, true)

	m.mu.Lock()
	return newFut
}
