package manager

import (
	"context"
	"runtime"
	"slices"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

// broadcastAll pushes transactions committed by the pipeline of generation
// gen to the sessions of ws. It is the pipeline's broadcast callback.
func (m *Manager) broadcastAll(ctx context.Context, ws *Workspace, gen string, txes []protocol.Tx, targets []string) {
	m.fanOut(ctx, ws, gen, nil, txes, targets, "pipeline")
}

// broadcast pushes the outcome of a session's tx to every other session of
// its workspace.
func (m *Manager) broadcast(ctx context.Context, from *sessionEntry, txes []protocol.Tx, targets []string) {
	m.fanOut(ctx, from.workspace, from.gen, from, txes, targets, "session")
}

func (m *Manager) fanOut(ctx context.Context, ws *Workspace, gen string, origin *sessionEntry, txes []protocol.Tx, targets []string, kind string) {
	if len(txes) == 0 {
		return
	}
	m.mu.Lock()
	if !m.deliverableLocked(ws, gen) {
		m.mu.Unlock()
		return
	}
	recipients := make([]*sessionEntry, 0, len(ws.sessions))
	for _, e := range ws.sessions {
		if origin != nil && e.session.ID == origin.session.ID {
			continue
		}
		if len(targets) > 0 && !slices.Contains(targets, e.session.User()) {
			continue
		}
		recipients = append(recipients, e)
	}
	if len(recipients) == 0 {
		m.mu.Unlock()
		return
	}
	ws.outbox = append(ws.outbox, delivery{
		gen:        gen,
		recipients: recipients,
		resp:       &protocol.Response{ID: protocol.BroadcastID, Result: txes},
		kind:       kind,
	})
	start := !ws.delivering
	ws.delivering = true
	m.mu.Unlock()

	if start {
		go m.drainOutbox(context.WithoutCancel(ctx), ws)
	}
}

// delivery is one queued broadcast of a workspace.
type delivery struct {
	gen        string
	recipients []*sessionEntry
	resp       *protocol.Response
	kind       string
}

// drainOutbox delivers queued broadcasts of ws in the order they were queued
// and exits once the queue is empty. At most one runs per workspace, so every
// recipient sees the broadcasts in commit order.
func (m *Manager) drainOutbox(ctx context.Context, ws *Workspace) {
	for {
		m.mu.Lock()
		if len(ws.outbox) == 0 {
			ws.delivering = false
			m.mu.Unlock()
			return
		}
		d := ws.outbox[0]
		ws.outbox[0] = delivery{}
		ws.outbox = ws.outbox[1:]
		m.mu.Unlock()

		m.deliver(ctx, ws, d)
	}
}

// deliver sends d to one session at a time, yielding between sessions so a
// large broadcast does not starve request handling. It stops once the
// workspace has moved past the generation d was committed in.
func (m *Manager) deliver(ctx context.Context, ws *Workspace, d delivery) {
	for _, e := range d.recipients {
		m.mu.Lock()
		ok := m.deliverableLocked(ws, d.gen)
		m.mu.Unlock()
		if !ok {
			return
		}
		if _, err := m.sendTo(ctx, e, d.resp); err == nil {
			metrics.BroadcastDeliveries.WithLabelValues(d.kind).Inc()
		}
		runtime.Gosched()
	}
}

func (m *Manager) deliverableLocked(ws *Workspace, gen string) bool {
	return !ws.upgrade && ws.id == gen && ws.closing == nil
}
