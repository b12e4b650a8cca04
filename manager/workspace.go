package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

// pipelineFuture is a pipeline under construction. Every admitting caller
// waits on the same future, so one workspace builds one pipeline.
type pipelineFuture struct {
	done chan struct{}
	p    pipeline.Pipeline
	err  error
}

func newPipelineFuture() *pipelineFuture {
	return &pipelineFuture{done: make(chan struct{})}
}

func (f *pipelineFuture) resolve(p pipeline.Pipeline, err error) {
	f.p, f.err = p, err
	close(f.done)
}

func (f *pipelineFuture) wait(ctx context.Context) (pipeline.Pipeline, error) {
	select {
	case <-f.done:
		return f.p, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeOp is the in-flight close of a workspace. Anyone observing it waits
// instead of closing again.
type closeOp struct {
	done chan struct{}
}

func (c *closeOp) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sessionEntry struct {
	session   *Session
	socket    ConnectionSocket
	workspace *Workspace
	// generation of the workspace the session was admitted into
	gen string
}

// Workspace is the runtime record of one tenant. All fields are guarded by
// the manager mutex.
type Workspace struct {
	key       string
	info      WorkspaceInfo
	id        string
	pipeline  *pipelineFuture
	sessions  map[string]*sessionEntry
	upgrade   bool
	backup    bool
	closing   *closeOp
	createdAt time.Time

	softShutdown int
	// admissions currently waiting on the pipeline
	admitting int

	// broadcasts waiting for drainOutbox
	outbox     []delivery
	delivering bool
}

func (w *Workspace) descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{Key: w.key, URL: w.info.URL, Name: w.info.Name, Generation: w.id}
}

func (w *Workspace) entriesLocked() []*sessionEntry {
	out := make([]*sessionEntry, 0, len(w.sessions))
	for _, e := range w.sessions {
		out = append(out, e)
	}
	return out
}

// createWorkspaceLocked registers a new workspace and starts building its
// pipeline in the background. Callers hold m.mu.
func (m *Manager) createWorkspaceLocked(ctx context.Context, key string, info WorkspaceInfo, upgrade, backup bool) *Workspace {
	ws := &Workspace{
		key:          key,
		info:         info,
		id:           uuid.NewString(),
		pipeline:     newPipelineFuture(),
		sessions:     make(map[string]*sessionEntry),
		upgrade:      upgrade,
		backup:       backup,
		createdAt:    m.opts.Clock(),
		softShutdown: m.opts.SoftShutdownTicks,
	}
	m.workspaces[key] = ws
	metrics.ActiveWorkspaces.Set(float64(len(m.workspaces)))

	m.log.Info().Str("workspace", key).Str("generation", ws.id).Bool("upgrade", upgrade).Msg("workspace created")
	go m.constructPipeline(context.WithoutCancel(ctx), ws, ws.id, ws.pipeline, upgrade)
	return ws
}

// constructPipeline builds the pipeline for generation gen and resolves fut.
// A failed build unregisters the workspace so the next admission retries.
func (m *Manager) constructPipeline(ctx context.Context, ws *Workspace, gen string, fut *pipelineFuture, upgrade bool) {
	m.mu.Lock()
	desc := ws.descriptor()
	m.mu.Unlock()

	broadcast := func(ctx context.Context, txes []protocol.Tx, targets []string) {
		m.broadcastAll(ctx, ws, gen, txes, targets)
	}

	start := m.opts.Clock()
	p, err := m.opts.Factory(ctx, desc, upgrade, broadcast)
	metrics.PipelinesCreated.WithLabelValues(fmt.Sprint(upgrade)).Inc()
	if err != nil {
		m.opts.Reporter.Report(ctx, KindLifecycle, fmt.Errorf("create pipeline: %w", err), map[string]string{
			"workspace": ws.key,
		})
		m.mu.Lock()
		if m.workspaces[ws.key] == ws && ws.id == gen && ws.closing == nil {
			delete(m.workspaces, ws.key)
			metrics.ActiveWorkspaces.Set(float64(len(m.workspaces)))
		}
		m.mu.Unlock()
		fut.resolve(nil, err)
		return
	}

	m.log.Debug().Str("workspace", ws.key).Str("generation", gen).
		Dur("took", m.opts.Clock().Sub(start)).Msg("pipeline ready")
	fut.resolve(p, nil)
}

// closeWorkspace tears ws down. Concurrent callers share one close.
func (m *Manager) closeWorkspace(ctx context.Context, ws *Workspace, reason string) error {
	_, err := m.closeWorkspaceIf(ctx, ws, reason, nil)
	return err
}

// closeWorkspaceIf closes ws when cond (evaluated under the manager mutex)
// holds. It reports whether this call or a concurrent one closed it.
func (m *Manager) closeWorkspaceIf(ctx context.Context, ws *Workspace, reason string, cond func() bool) (bool, error) {
	m.mu.Lock()
	if ws.closing != nil {
		op := ws.closing
		m.mu.Unlock()
		return true, op.wait(ctx)
	}
	if cond != nil && !cond() {
		m.mu.Unlock()
		return false, nil
	}
	op := &closeOp{done: make(chan struct{})}
	ws.closing = op
	entries := ws.entriesLocked()
	// The workspace is going away, so there is no grace period to wait out.
	offline := m.evictAllLocked(ctx, entries)
	fut := ws.pipeline
	m.mu.Unlock()

	m.log.Info().Str("workspace", ws.key).Str("reason", reason).Int("sessions", len(entries)).Msg("closing workspace")
	m.closeSessions(ctx, entries, reason)
	for _, p := range offline {
		m.markOffline(ctx, p)
	}
	m.closePipeline(ctx, ws.key, fut)

	m.mu.Lock()
	if m.workspaces[ws.key] == ws {
		delete(m.workspaces, ws.key)
	}
	ws.sessions = make(map[string]*sessionEntry)
	metrics.ActiveWorkspaces.Set(float64(len(m.workspaces)))
	m.mu.Unlock()

	metrics.WorkspacesClosed.WithLabelValues(reason).Inc()
	close(op.done)
	return true, nil
}

// closeSessions closes every socket in entries. On upgrade each client is
// told to reconnect with a fresh model first.
func (m *Manager) closeSessions(ctx context.Context, entries []*sessionEntry, reason string) {
	for _, e := range entries {
		if reason == reasonUpgrade {
			m.sendTo(ctx, e, &protocol.Response{
				ID:     protocol.NoticeID,
				Result: protocol.Notice{Kind: protocol.NoticeModelUpgrade},
			})
		}
		e.socket.Close()
	}
}

// closePipeline closes the pipeline behind fut, abandoning it when the close
// does not finish within UpgradeCloseTimeout.
func (m *Manager) closePipeline(ctx context.Context, key string, fut *pipelineFuture) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.UpgradeCloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		p, err := fut.wait(closeCtx)
		if err != nil || p == nil {
			// never built; nothing to close
			done <- nil
			return
		}
		done <- p.Close(closeCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.opts.Reporter.Report(ctx, KindLifecycle, fmt.Errorf("close pipeline: %w", err), map[string]string{"workspace": key})
		}
	case <-closeCtx.Done():
		m.opts.Reporter.Report(ctx, KindLifecycle, fmt.Errorf("close pipeline: abandoned after %s", m.opts.UpgradeCloseTimeout), map[string]string{"workspace": key})
	}
}

// dropEntryLocked removes e from both registries if it is still the
// registered entry. Callers hold m.mu.
func (m *Manager) dropEntryLocked(e *sessionEntry) bool {
	removed := false
	if cur, ok := m.sockets[e.socket.ID()]; ok && cur == e {
		delete(m.sockets, e.socket.ID())
		removed = true
	}
	if cur, ok := e.workspace.sessions[e.session.ID]; ok && cur == e {
		delete(e.workspace.sessions, e.session.ID)
	}
	if removed {
		metrics.ActiveSessions.Dec()
	}
	return removed
}
