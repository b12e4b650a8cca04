package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

// AddSessionRequest carries what a transport knows after the handshake.
type AddSessionRequest struct {
	Token    token.Token
	RawToken string
	Socket   ConnectionSocket
	// SessionID is the client supplied stable id; one is generated when empty.
	SessionID string
}

// Admission is the result of a successful AddSession. Context carries a
// logger scoped to the session and should be used for its requests.
type Admission struct {
	Session      *Session
	Context      context.Context
	WorkspaceKey string
}

// AddSession admits a connection into its workspace, creating the workspace
// and its pipeline on first use. Refusals are returned as *AdmissionError and
// the client is told why through a hello frame before the error returns.
func (m *Manager) AddSession(ctx context.Context, req AddSessionRequest) (*Admission, error) {
	ctx, span := m.tracer.Start(ctx, "manager.addSession")
	defer span.End()

	adm, err := m.addSession(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if aerr, ok := err.(*AdmissionError); ok {
			m.notifyRefusal(ctx, req.Socket, aerr)
			metrics.AdmissionFailures.WithLabelValues(string(aerr.Reason)).Inc()
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("workspace", adm.WorkspaceKey),
		attribute.String("session", adm.Session.ID),
	)
	return adm, nil
}

func (m *Manager) addSession(ctx context.Context, req AddSessionRequest) (*Admission, error) {
	tok := req.Token
	info, err := m.resolveWorkspace(ctx, req.RawToken, tok)
	if err != nil {
		return nil, refusal(ReasonError, tok.Workspace, err)
	}
	if info == nil {
		if !tok.IsAdmin() {
			return nil, refusal(ReasonNoAccess, tok.Workspace, nil)
		}
		info = m.tokenInfo(tok)
	}
	if info.Creating && !tok.IsSystem() {
		return nil, refusal(ReasonNoAccess, info.Workspace, fmt.Errorf("workspace is being created"))
	}
	if info.Version != "" && info.Version != m.opts.Version && !tok.IsUpgrade() && !tok.IsBackup() {
		return nil, refusal(ReasonUpgradeRequired, info.Workspace,
			fmt.Errorf("workspace version %s, server version %s", info.Version, m.opts.Version))
	}

	key := token.NormalizeWorkspace(info.Workspace)
	if key == "" {
		key = tok.WorkspaceKey()
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, refusal(ReasonError, key, ErrManagerClosed)
		}
		ws := m.workspaces[key]
		if ws != nil && ws.closing != nil {
			op := ws.closing
			m.mu.Unlock()
			if err := op.wait(ctx); err != nil {
				return nil, refusal(ReasonError, key, err)
			}
			continue
		}
		if ws != nil {
			if _, ok := ws.sessions[sessionID]; ok {
				m.mu.Unlock()
				return nil, refusal(ReasonAlreadyConnected, key, nil)
			}
		}

		switch {
		case tok.IsUpgrade() && ws == nil:
			ws = m.createWorkspaceLocked(ctx, key, *info, true, tok.IsBackup())
		case tok.IsUpgrade() && !ws.upgrade:
			ws.admitting++
			m.switchToUpgradeSession(ctx, tok, ws, *info)
			ws.admitting--
		case tok.IsUpgrade():
			// rendezvous with the upgrade already in progress
		case ws != nil && ws.upgrade && len(ws.sessions) == 0 && ws.admitting == 0:
			// The upgrade tool left; retire the upgrade generation.
			m.mu.Unlock()
			if err := m.closeWorkspace(ctx, ws, "upgrade-finished"); err != nil {
				return nil, refusal(ReasonError, key, err)
			}
			continue
		case ws != nil && ws.upgrade:
			m.mu.Unlock()
			return nil, refusal(ReasonUpgradeInProgress, key, nil)
		case ws == nil:
			ws = m.createWorkspaceLocked(ctx, key, *info, false, false)
		}

		ws.softShutdown = m.opts.SoftShutdownTicks
		ws.admitting++
		gen := ws.id
		fut := ws.pipeline
		m.mu.Unlock()

		p, err := fut.wait(ctx)

		m.mu.Lock()
		ws.admitting--
		if err != nil {
			m.mu.Unlock()
			return nil, refusal(ReasonError, key, err)
		}
		if m.workspaces[key] != ws || ws.id != gen || ws.closing != nil || ws.pipeline != fut {
			// The workspace moved on while we waited; start over.
			m.mu.Unlock()
			continue
		}
		if _, ok := ws.sessions[sessionID]; ok {
			m.mu.Unlock()
			return nil, refusal(ReasonAlreadyConnected, key, nil)
		}
		if ws.upgrade && !tok.IsUpgrade() {
			m.mu.Unlock()
			return nil, refusal(ReasonUpgradeInProgress, key, nil)
		}

		s := newSession(sessionID, ksuid.New().String(), tok, key, p, m.opts.Clock)
		_, s.resumed = m.pending[pendingKey(key, sessionID)]
		entry := &sessionEntry{session: s, socket: req.Socket, workspace: ws, gen: gen}
		ws.sessions[sessionID] = entry
		m.sockets[req.Socket.ID()] = entry
		ws.softShutdown = m.opts.SoftShutdownTicks
		maintenance := m.maintenanceMinutesLocked(m.opts.Clock())
		m.mu.Unlock()

		metrics.ActiveSessions.Inc()
		metrics.TotalSessions.Inc()
		m.log.Info().Str("workspace", key).Str("session", sessionID).Str("user", s.User()).
			Str("socket", req.Socket.ID()).Bool("resumed", s.resumed).Msg("session admitted")

		go m.reconcilePresence(context.WithoutCancel(ctx), s)

		if maintenance > 0 {
			m.sendTo(ctx, entry, &protocol.Response{
				ID:     protocol.NoticeID,
				Result: protocol.Notice{Kind: protocol.NoticeMaintenance, Minutes: maintenance},
			})
		}

		sessionLog := m.log.With().Str("workspace", key).Str("session", sessionID).Logger()
		return &Admission{Session: s, Context: sessionLog.WithContext(ctx), WorkspaceKey: key}, nil
	}
}

func (m *Manager) resolveWorkspace(ctx context.Context, rawToken string, tok token.Token) (*WorkspaceInfo, error) {
	if m.opts.Resolver == nil {
		return m.tokenInfo(tok), nil
	}
	info, err := m.opts.Resolver.WorkspaceInfo(ctx, rawToken, tok)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", tok.Workspace, err)
	}
	return info, nil
}

// tokenInfo derives minimal metadata from the token alone.
func (m *Manager) tokenInfo(tok token.Token) *WorkspaceInfo {
	return &WorkspaceInfo{
		Workspace: tok.Workspace,
		URL:       tok.Workspace,
		Name:      tok.Workspace,
		Version:   m.opts.Version,
	}
}

func (m *Manager) notifyRefusal(ctx context.Context, socket ConnectionSocket, err *AdmissionError) {
	if socket == nil {
		return
	}
	hello := protocol.HelloResult{
		Error:         string(err.Reason),
		ServerVersion: m.opts.Version,
	}
	switch err.Reason {
	case ReasonAlreadyConnected:
		hello.AlreadyConnected = true
	case ReasonUpgradeInProgress, ReasonUpgradeRequired:
		hello.Upgrade = true
	}
	if _, serr := socket.Send(ctx, &protocol.Response{ID: protocol.HelloID, Result: hello}, false, false); serr != nil {
		m.opts.Reporter.Report(ctx, KindTransport, serr, map[string]string{"socket": socket.ID()})
	}
}

func (m *Manager) reconcilePresence(ctx context.Context, s *Session) {
	if err := m.opts.Presence.Online(ctx, s.WorkspaceKey, s.User(), s.ID); err != nil {
		m.opts.Reporter.Report(ctx, KindPresence, err, map[string]string{
			"workspace": s.WorkspaceKey,
			"session":   s.ID,
		})
	}
}
