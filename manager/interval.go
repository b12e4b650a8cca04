package manager

import (
	"context"
	"time"

	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

const systemHungFactor = 10

type idleWorkspace struct {
	ws  *Workspace
	gen string
}

// handleInterval is one health-check tick.
func (m *Manager) handleInterval(ctx context.Context) {
	now := m.opts.Clock()

	m.mu.Lock()
	m.ticks++
	hungCheck := m.ticks%int64(m.opts.HungCheckEveryTicks) == 0
	rollEvery := max(int64(m.opts.TrafficWindow/m.opts.TickInterval), 1)
	roll := m.ticks%rollEvery == 0

	var (
		idle    []idleWorkspace
		entries []*sessionEntry
	)
	for _, ws := range m.workspaces {
		if ws.closing != nil {
			continue
		}
		if len(ws.sessions) == 0 && ws.admitting == 0 {
			ws.softShutdown--
			if ws.softShutdown <= 0 {
				idle = append(idle, idleWorkspace{ws: ws, gen: ws.id})
			}
			continue
		}
		ws.softShutdown = m.opts.SoftShutdownTicks
		entries = append(entries, ws.entriesLocked()...)
	}
	minutes := m.maintenanceMinutesLocked(now)
	if minutes == 0 {
		m.maintenanceUntil = time.Time{}
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.checkSession(ctx, e, now, hungCheck, roll)
	}
	if minutes > 0 {
		m.sendNotice(ctx, entries, protocol.Notice{Kind: protocol.NoticeMaintenance, Minutes: minutes})
	}
	for _, iw := range idle {
		go m.reclaim(context.WithoutCancel(ctx), iw)
	}
}

// reclaim closes an idle workspace unless it was revived since the tick saw it.
func (m *Manager) reclaim(ctx context.Context, iw idleWorkspace) {
	ws := iw.ws
	closed, err := m.closeWorkspaceIf(ctx, ws, "idle", func() bool {
		return m.workspaces[ws.key] == ws && ws.id == iw.gen &&
			len(ws.sessions) == 0 && ws.admitting == 0 && ws.softShutdown <= 0
	})
	if err != nil {
		m.opts.Reporter.Report(ctx, KindLifecycle, err, map[string]string{"workspace": ws.key})
		return
	}
	if closed {
		m.log.Info().Str("workspace", ws.key).Msg("idle workspace reclaimed")
	}
}

func (m *Manager) checkSession(ctx context.Context, e *sessionEntry, now time.Time, hungCheck, roll bool) {
	s := e.session
	if roll {
		s.rollTraffic()
	}

	if !s.handshakeDone() && now.Sub(s.createdAt) > m.opts.HandshakeTimeout {
		m.log.Warn().Str("workspace", s.WorkspaceKey).Str("session", s.ID).Msg("no hello within handshake timeout, closing")
		m.kill(ctx, e)
		return
	}

	limit := m.opts.HungTimeout
	if s.Token.IsSystem() {
		limit *= systemHungFactor
	}
	idleFor := now.Sub(s.lastRequestTime())
	if hungCheck && idleFor > limit {
		m.log.Warn().Str("workspace", s.WorkspaceKey).Str("session", s.ID).
			Dur("idle", idleFor).Msg("session looks hung, closing")
		m.kill(ctx, e)
		return
	}
	// Keep-alive pings use the plain window even for the system account.
	if idleFor > m.opts.IdlePingAfter && idleFor <= m.opts.HungTimeout {
		m.sendTo(ctx, e, &protocol.Response{ID: protocol.NoticeID, Result: protocol.Notice{Kind: protocol.NoticePing}})
	}

	for id, r := range s.slowRequests(now, m.opts.SlowRequestWarning) {
		m.log.Warn().Str("workspace", s.WorkspaceKey).Str("session", s.ID).Int64("request", id).
			Str("method", r.method).Int("params", r.params).Dur("running", now.Sub(r.startTime)).
			Msg("request is taking long")
	}
}

func (m *Manager) kill(ctx context.Context, e *sessionEntry) {
	e.socket.Close()
	m.CloseSocket(ctx, e.socket)
}
