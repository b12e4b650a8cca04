package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

// methodFunc handles one session method. The result is sent back as the
// response payload.
type methodFunc func(ctx context.Context, m *Manager, e *sessionEntry, req *protocol.Request) (any, error)

type namedMethod struct {
	name string
	fn   methodFunc
}

var controlMethods = map[string]bool{
	protocol.MethodHello:       true,
	protocol.MethodMeasure:     true,
	protocol.MethodMeasureDone: true,
	protocol.MethodForceClose:  true,
	protocol.UpgradeMarker:     true,
}

func sessionMethods() []namedMethod {
	return []namedMethod{
		{protocol.MethodFindAll, findAllMethod},
		{protocol.MethodTx, txMethod},
		{protocol.MethodPing, func(context.Context, *Manager, *sessionEntry, *protocol.Request) (any, error) {
			return "pong", nil
		}},
		{protocol.MethodGetAccount, func(_ context.Context, _ *Manager, e *sessionEntry, _ *protocol.Request) (any, error) {
			return e.session.Account(), nil
		}},
	}
}

// buildMethodTable turns the method list into a lookup table, rejecting
// duplicate names and names shadowing control methods.
func buildMethodTable(list []namedMethod) map[string]methodFunc {
	table := make(map[string]methodFunc, len(list))
	for _, nm := range list {
		if nm.name == "" || nm.fn == nil {
			panic("manager: empty method registration")
		}
		if controlMethods[nm.name] {
			panic(fmt.Sprintf("manager: method %q is reserved", nm.name))
		}
		if _, dup := table[nm.name]; dup {
			panic(fmt.Sprintf("manager: method %q registered twice", nm.name))
		}
		table[nm.name] = nm.fn
	}
	return table
}

func findAllMethod(ctx context.Context, _ *Manager, e *sessionEntry, req *protocol.Request) (any, error) {
	var (
		class string
		query map[string]any
		opts  *protocol.FindOptions
	)
	if err := req.Param(0, &class); err != nil {
		return nil, err
	}
	if err := req.Param(1, &query); err != nil {
		return nil, err
	}
	if err := req.Param(2, &opts); err != nil {
		return nil, err
	}
	return e.session.FindAll(ctx, class, query, opts)
}

func txMethod(ctx context.Context, m *Manager, e *sessionEntry, req *protocol.Request) (any, error) {
	var tx protocol.Tx
	if req.NumParams() == 0 {
		return nil, fmt.Errorf("tx: %w", pipeline.ErrBadTx)
	}
	if err := req.Param(0, &tx); err != nil {
		return nil, err
	}
	applied, res, err := e.session.Tx(ctx, tx)
	if err != nil {
		return nil, err
	}
	out := res.Broadcast
	if len(out) == 0 {
		out = []protocol.Tx{applied}
	}
	m.broadcast(context.WithoutCancel(ctx), e, out, res.Targets)
	if res.Result != nil {
		return res.Result, nil
	}
	return applied, nil
}

// Receive decodes one inbound frame of socket and claims its place in the
// session's request order. Transports call it from the socket's read loop in
// arrival order; the returned function answers the request and may run on a
// goroutine of its own. Requests start in the order they arrived and a tx is
// applied before the next request of its session starts.
func (m *Manager) Receive(socket ConnectionSocket, frame []byte) func(context.Context) error {
	m.mu.Lock()
	e, ok := m.sockets[socket.ID()]
	m.mu.Unlock()
	if !ok {
		return func(context.Context) error { return ErrSocketClosed }
	}
	s := e.session
	s.touch(len(frame))
	metrics.MessagesReceived.Inc()

	codec := s.codec()
	req, err := codec.DecodeRequest(frame)
	if err != nil {
		// text control frames in binary mode, or binary frames racing the
		// hello reply
		if alt, aerr := protocol.CodecFor(!codec.Binary()).DecodeRequest(frame); aerr == nil {
			req, err = alt, nil
		}
	}
	if err != nil {
		return func(ctx context.Context) error {
			m.opts.Reporter.Report(ctx, KindRequest, err, map[string]string{"session": s.ID, "socket": socket.ID()})
			_, serr := m.sendTo(ctx, e, &protocol.Response{Error: &protocol.Error{Code: "bad-request", Message: err.Error()}})
			return errors.Join(err, serr)
		}
	}

	t := s.nextTurn()
	return func(ctx context.Context) error {
		defer t.release()
		if err := t.wait(ctx); err != nil {
			return err
		}
		return m.handle(ctx, e, req, t)
	}
}

// HandleRequest receives frame and answers it before returning.
func (m *Manager) HandleRequest(ctx context.Context, socket ConnectionSocket, frame []byte) error {
	return m.Receive(socket, frame)(ctx)
}

func (m *Manager) handle(ctx context.Context, e *sessionEntry, req *protocol.Request, t *turn) error {
	s := e.session
	switch req.Method {
	case protocol.MethodHello:
		return m.handleHello(ctx, e, req)
	case protocol.MethodMeasure:
		var name string
		if err := req.Param(0, &name); err != nil {
			return m.respondError(ctx, e, req, err, nil)
		}
		s.startMeasure(name)
		_, err := m.sendTo(ctx, e, &protocol.Response{ID: req.ID, Result: protocol.MeasureResult{Name: name}})
		return err
	case protocol.MethodMeasureDone:
		var name string
		if err := req.Param(0, &name); err != nil {
			return m.respondError(ctx, e, req, err, nil)
		}
		elapsed, ok := s.endMeasure(name)
		if !ok {
			return m.respondError(ctx, e, req, fmt.Errorf("measure %q was not started", name), nil)
		}
		_, err := m.sendTo(ctx, e, &protocol.Response{
			ID:     req.ID,
			Result: protocol.MeasureResult{Name: name, Elapsed: elapsed.Milliseconds()},
		})
		return err
	case protocol.MethodForceClose:
		return m.handleForceClose(ctx, e, req)
	case protocol.UpgradeMarker:
		_, err := m.sendTo(ctx, e, &protocol.Response{ID: req.ID, Result: m.upgrading(e)})
		return err
	}
	return m.dispatch(ctx, e, req, t)
}

func (m *Manager) handleHello(ctx context.Context, e *sessionEntry, req *protocol.Request) error {
	var hp protocol.HelloParams
	if err := req.Param(0, &hp); err != nil {
		return m.respondError(ctx, e, req, err, nil)
	}
	s := e.session
	resumed := s.negotiate(hp.Binary, hp.Compression)
	if m.cancelPending(e.workspace.key, s.ID) {
		resumed = true
	}
	m.log.Debug().Str("session", s.ID).Bool("binary", hp.Binary).Bool("compression", hp.Compression).
		Bool("reconnect", resumed).Msg("hello")

	_, err := m.sendTo(ctx, e, &protocol.Response{
		ID: req.ID,
		Result: protocol.HelloResult{
			Binary:        hp.Binary,
			Compression:   hp.Compression,
			Reconnect:     resumed,
			ServerVersion: m.opts.Version,
		},
	})
	return err
}

// handleForceClose only acts on a workspace in upgrade mode: the upgrade
// tool is done and wants the workspace gone now rather than on the idle path.
func (m *Manager) handleForceClose(ctx context.Context, e *sessionEntry, req *protocol.Request) error {
	ws := e.workspace
	upgrading := m.upgrading(e)

	_, err := m.sendTo(ctx, e, &protocol.Response{ID: req.ID, Result: upgrading})
	if upgrading {
		go func() {
			if cerr := m.closeWorkspace(context.WithoutCancel(ctx), ws, "force-close"); cerr != nil {
				m.opts.Reporter.Report(ctx, KindLifecycle, cerr, map[string]string{"workspace": ws.key})
			}
		}()
	}
	return err
}

// upgrading reports whether e belongs to the upgrade generation of its
// workspace.
func (m *Manager) upgrading(e *sessionEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.workspace.upgrade && e.workspace.id == e.gen
}

func (m *Manager) dispatch(ctx context.Context, e *sessionEntry, req *protocol.Request, t *turn) error {
	s := e.session
	fn, ok := m.methods[req.Method]
	if !ok {
		metrics.Requests.WithLabelValues("unknown", "error").Inc()
		return m.respondError(ctx, e, req, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method), nil)
	}
	if req.Method != protocol.MethodTx {
		// reads may overlap; only a tx holds back the requests behind it
		t.release()
	}

	ctx, span := m.tracer.Start(ctx, "manager.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("method", req.Method),
		attribute.Int64("request.id", req.ID),
		attribute.String("workspace", s.WorkspaceKey),
	)

	s.trackRequest(req)
	defer s.untrackRequest(req.ID)

	start := m.opts.Clock()
	result, stack, err := m.invoke(ctx, fn, e, req)
	t.release()
	elapsed := m.opts.Clock().Sub(start)
	metrics.RequestDuration.WithLabelValues(req.Method).Observe(elapsed.Seconds())

	if err != nil {
		metrics.Requests.WithLabelValues(req.Method, "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return m.respondError(ctx, e, req, err, stack)
	}
	metrics.Requests.WithLabelValues(req.Method, "ok").Inc()
	return m.respond(ctx, e, req, result, elapsed)
}

// invoke runs fn and turns a panic into an error carrying the stack.
func (m *Manager) invoke(ctx context.Context, fn methodFunc, e *sessionEntry, req *protocol.Request) (result any, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", req.Method, r)
			stack = debug.Stack()
		}
	}()
	result, err = fn(ctx, m, e, req)
	if err != nil {
		stack = debug.Stack()
	}
	return result, stack, err
}

func (m *Manager) respond(ctx context.Context, e *sessionEntry, req *protocol.Request, result any, elapsed time.Duration) error {
	if fr, ok := result.(*protocol.FindResult); ok && fr != nil {
		if parts := splitChunks(fr.Docs, m.opts.ChunkBytes); len(parts) > 1 {
			return m.sendChunked(ctx, e, req, fr, parts)
		}
	}
	_, err := m.sendTo(ctx, e, &protocol.Response{
		ID:     req.ID,
		Result: result,
		Time:   elapsed.Milliseconds(),
		Queue:  e.session.inflightCount() - 1,
	})
	return err
}

func (m *Manager) respondError(ctx context.Context, e *sessionEntry, req *protocol.Request, err error, stack []byte) error {
	m.opts.Reporter.Report(ctx, KindRequest, err, map[string]string{
		"workspace": e.session.WorkspaceKey,
		"session":   e.session.ID,
		"method":    req.Method,
	})
	_, serr := m.sendTo(ctx, e, &protocol.Response{
		ID:    req.ID,
		Error: &protocol.Error{Code: errorCode(err), Message: err.Error(), Stack: string(stack)},
	})
	return serr
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return "unknown-method"
	case errors.Is(err, pipeline.ErrNotFound):
		return "not-found"
	case errors.Is(err, pipeline.ErrExists):
		return "already-exists"
	case errors.Is(err, pipeline.ErrBadTx):
		return "bad-request"
	case errors.Is(err, pipeline.ErrClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
