// Package manager admits client connections into per-workspace sessions,
// dispatches their requests to the workspace pipeline, fans committed
// transactions out to the other sessions and keeps the whole registry healthy
// on a periodic tick.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

const tracerName = "github.com/abdelmounim-dev/workspace-pooler/manager"

var ErrUnknownWorkspace = errors.New("unknown workspace")

// pendingReconnect defers the offline side effect of a closed session until
// the reconnect grace period runs out.
type pendingReconnect struct {
	timer     *time.Timer
	workspace string
	user      string
	sessionID string
}

func pendingKey(workspace, sessionID string) string {
	return workspace + "/" + sessionID
}

type Manager struct {
	opts    Options
	log     zerolog.Logger
	tracer  trace.Tracer
	methods map[string]methodFunc

	mu               sync.Mutex
	workspaces       map[string]*Workspace
	sockets          map[string]*sessionEntry
	pending          map[string]*pendingReconnect
	maintenanceUntil time.Time
	ticks            int64
	closed           bool
}

// New builds a manager. It panics if the method table is malformed, which
// can only be a programming error.
func New(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "manager").Logger(),
		tracer:     otel.Tracer(tracerName),
		workspaces: make(map[string]*Workspace),
		sockets:    make(map[string]*sessionEntry),
		pending:    make(map[string]*pendingReconnect),
	}
	m.methods = buildMethodTable(sessionMethods())
	return m
}

// Run drives the health-check tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.opts.TickInterval).Msg("health tick started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.handleInterval(ctx)
		}
	}
}

// Shutdown closes every workspace in parallel and refuses further admissions.
// Pending offline updates are flushed immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := make([]*pendingReconnect, 0, len(m.pending))
	for k, p := range m.pending {
		if p.timer.Stop() {
			pending = append(pending, p)
		}
		delete(m.pending, k)
	}
	workspaces := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		workspaces = append(workspaces, ws)
	}
	m.mu.Unlock()

	m.log.Info().Int("workspaces", len(workspaces)).Msg("shutting down session manager")

	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range workspaces {
		g.Go(func() error {
			return m.closeWorkspace(gctx, ws, "shutdown")
		})
	}
	for _, p := range pending {
		g.Go(func() error {
			m.markOffline(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

// CloseSocket is called by a transport once its connection is gone. The
// session leaves its workspace right away; the offline side effect waits for
// the reconnect grace period.
func (m *Manager) CloseSocket(ctx context.Context, socket ConnectionSocket) {
	m.mu.Lock()
	e, ok := m.sockets[socket.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	s := e.session
	immediate := m.closed || s.Token.IsUpgrade()
	offline := m.evictLocked(ctx, e, immediate)
	m.mu.Unlock()

	m.log.Info().Str("workspace", e.workspace.key).Str("session", s.ID).Str("socket", socket.ID()).
		Bool("grace", !immediate).Msg("session closed")
	if offline != nil {
		m.markOffline(ctx, offline)
	}
}

// evictLocked removes e from the registries and settles its presence. With
// immediate set the returned record must be marked offline by the caller once
// m.mu is released; otherwise a grace timer is started and nil is returned.
// A stale entry returns nil. Callers hold m.mu.
func (m *Manager) evictLocked(ctx context.Context, e *sessionEntry, immediate bool) *pendingReconnect {
	if !m.dropEntryLocked(e) {
		return nil
	}
	s := e.session
	key := pendingKey(e.workspace.key, s.ID)
	if old, ok := m.pending[key]; ok {
		old.timer.Stop()
		delete(m.pending, key)
	}
	p := &pendingReconnect{workspace: e.workspace.key, user: s.User(), sessionID: s.ID}
	if immediate {
		return p
	}
	p.timer = time.AfterFunc(m.opts.ReconnectGrace, func() {
		m.expirePending(context.WithoutCancel(ctx), key, p)
	})
	m.pending[key] = p
	return nil
}

// evictAllLocked evicts entries for good and returns what to mark offline.
func (m *Manager) evictAllLocked(ctx context.Context, entries []*sessionEntry) []*pendingReconnect {
	var offline []*pendingReconnect
	for _, e := range entries {
		if p := m.evictLocked(ctx, e, true); p != nil {
			offline = append(offline, p)
		}
	}
	return offline
}

// cancelPending stops the offline timer of a resuming session.
func (m *Manager) cancelPending(workspace, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendingKey(workspace, sessionID)
	p, ok := m.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(m.pending, key)
	return true
}

func (m *Manager) expirePending(ctx context.Context, key string, p *pendingReconnect) {
	m.mu.Lock()
	if m.pending[key] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	// A session that came back without a hello yet still counts as online.
	if ws, ok := m.workspaces[p.workspace]; ok {
		if _, live := ws.sessions[p.sessionID]; live {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	m.markOffline(ctx, p)
}

func (m *Manager) markOffline(ctx context.Context, p *pendingReconnect) {
	if err := m.opts.Presence.Offline(ctx, p.workspace, p.user, p.sessionID); err != nil {
		m.opts.Reporter.Report(ctx, KindPresence, err, map[string]string{
			"workspace": p.workspace,
			"session":   p.sessionID,
		})
	}
}

// ForceClose tears a workspace down regardless of its sessions.
func (m *Manager) ForceClose(ctx context.Context, workspace string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[workspace]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownWorkspace
	}
	return m.closeWorkspace(ctx, ws, "force-close")
}

// ScheduleMaintenance starts a countdown of minutes, announced to every
// session on each tick. Zero or less cancels it.
func (m *Manager) ScheduleMaintenance(ctx context.Context, minutes int) {
	now := m.opts.Clock()
	m.mu.Lock()
	if minutes <= 0 {
		m.maintenanceUntil = time.Time{}
	} else {
		m.maintenanceUntil = now.Add(time.Duration(minutes) * time.Minute)
	}
	entries := m.allEntriesLocked()
	m.mu.Unlock()

	m.log.Info().Int("minutes", minutes).Msg("maintenance scheduled")
	if minutes > 0 {
		m.sendNotice(ctx, entries, protocol.Notice{Kind: protocol.NoticeMaintenance, Minutes: minutes})
	}
}

// maintenanceMinutesLocked is the number of whole minutes left, rounded up.
func (m *Manager) maintenanceMinutesLocked(now time.Time) int {
	if m.maintenanceUntil.IsZero() || !now.Before(m.maintenanceUntil) {
		return 0
	}
	left := m.maintenanceUntil.Sub(now)
	return int((left + time.Minute - 1) / time.Minute)
}

func (m *Manager) allEntriesLocked() []*sessionEntry {
	var out []*sessionEntry
	for _, ws := range m.workspaces {
		out = append(out, ws.entriesLocked()...)
	}
	return out
}

// sendTo writes resp to the session's socket in its negotiated mode.
func (m *Manager) sendTo(ctx context.Context, e *sessionEntry, resp *protocol.Response) (int, error) {
	if e.socket.IsClosed() {
		return 0, ErrSocketClosed
	}
	binary, compress := e.session.Mode()
	n, err := e.socket.Send(ctx, resp, binary, compress)
	if err != nil {
		metrics.SendFailures.Inc()
		m.opts.Reporter.Report(ctx, KindTransport, err, map[string]string{
			"workspace": e.session.WorkspaceKey,
			"session":   e.session.ID,
			"socket":    e.socket.ID(),
		})
		return n, err
	}
	metrics.MessagesSent.Inc()
	e.session.countSent(n)
	return n, nil
}

func (m *Manager) sendNotice(ctx context.Context, entries []*sessionEntry, n protocol.Notice) {
	for _, e := range entries {
		m.sendTo(ctx, e, &protocol.Response{ID: protocol.NoticeID, Result: n})
	}
}

// SessionStats is a point-in-time view of one session.
type SessionStats struct {
	ID          string    `json:"id"`
	Instance    string    `json:"instance"`
	User        string    `json:"user"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remoteAddr"`
	Binary      bool      `json:"binary"`
	Compression bool      `json:"compression"`
	Inflight    int       `json:"inflight"`
	LastRequest time.Time `json:"lastRequest"`
	Current     Traffic   `json:"current"`
	FiveMinute  Traffic   `json:"fiveMinute"`
}

// WorkspaceStats is a point-in-time view of one workspace.
type WorkspaceStats struct {
	Key          string         `json:"key"`
	Generation   string         `json:"generation"`
	Upgrade      bool           `json:"upgrade"`
	Backup       bool           `json:"backup"`
	Closing      bool           `json:"closing"`
	SoftShutdown int            `json:"softShutdown"`
	CreatedAt    time.Time      `json:"createdAt"`
	Sessions     []SessionStats `json:"sessions"`
}

type Statistics struct {
	Version            string           `json:"version"`
	Sessions           int              `json:"sessions"`
	PendingReconnects  int              `json:"pendingReconnects"`
	MaintenanceMinutes int              `json:"maintenanceMinutes"`
	Workspaces         []WorkspaceStats `json:"workspaces"`
}

func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Statistics{
		Version:            m.opts.Version,
		Sessions:           len(m.sockets),
		PendingReconnects:  len(m.pending),
		MaintenanceMinutes: m.maintenanceMinutesLocked(m.opts.Clock()),
		Workspaces:         make([]WorkspaceStats, 0, len(m.workspaces)),
	}
	for _, ws := range m.workspaces {
		wst := WorkspaceStats{
			Key:          ws.key,
			Generation:   ws.id,
			Upgrade:      ws.upgrade,
			Backup:       ws.backup,
			Closing:      ws.closing != nil,
			SoftShutdown: ws.softShutdown,
			CreatedAt:    ws.createdAt,
			Sessions:     make([]SessionStats, 0, len(ws.sessions)),
		}
		for _, e := range ws.sessions {
			s := e.session
			binary, compress := s.Mode()
			cur, five := s.traffic()
			md := e.socket.Data()
			wst.Sessions = append(wst.Sessions, SessionStats{
				ID:          s.ID,
				Instance:    s.InstanceID,
				User:        s.User(),
				Transport:   md.Transport,
				RemoteAddr:  md.RemoteAddr,
				Binary:      binary,
				Compression: compress,
				Inflight:    s.inflightCount(),
				LastRequest: s.lastRequestTime(),
				Current:     cur,
				FiveMinute:  five,
			})
		}
		sort.Slice(wst.Sessions, func(i, j int) bool { return wst.Sessions[i].ID < wst.Sessions[j].ID })
		st.Workspaces = append(st.Workspaces, wst)
	}
	sort.Slice(st.Workspaces, func(i, j int) bool { return st.Workspaces[i].Key < st.Workspaces[j].Key })
	return st
}
