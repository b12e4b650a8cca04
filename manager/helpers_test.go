package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

type fakeSocket struct {
	id string

	mu     sync.Mutex
	sent   []*protocol.Response
	closed bool
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(_ context.Context, resp *protocol.Response, _, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrSocketClosed
	}
	f.sent = append(f.sent, resp)
	return 1, nil
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSocket) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) Data() Metadata {
	return Metadata{Transport: "fake", RemoteAddr: "127.0.0.1"}
}

func (f *fakeSocket) responses(id int64) []*protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Response
	for _, r := range f.sent {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeSocket) notices(kind protocol.NoticeKind) []protocol.Notice {
	var out []protocol.Notice
	for _, r := range f.responses(protocol.NoticeID) {
		if n, ok := r.Result.(protocol.Notice); ok && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakePresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (p *fakePresence) Online(_ context.Context, ws, _, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, ws+"/"+sid)
	return nil
}

func (p *fakePresence) Offline(_ context.Context, ws, _, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, ws+"/"+sid)
	return nil
}

func (p *fakePresence) offlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offline)
}

type fakeReporter struct {
	mu     sync.Mutex
	errors map[string][]error
}

func (r *fakeReporter) Report(_ context.Context, kind string, err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = make(map[string][]error)
	}
	r.errors[kind] = append(r.errors[kind], err)
}

func (r *fakeReporter) reported(kind string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors[kind]...)
}

// stuckPipeline never finishes closing until release is closed.
type stuckPipeline struct {
	*pipeline.Memory
	release chan struct{}
}

func (p *stuckPipeline) Close(context.Context) error {
	<-p.release
	return nil
}

// gatedPipeline holds every FindAll until open is closed.
type gatedPipeline struct {
	*pipeline.Memory
	open chan struct{}
}

func (p *gatedPipeline) FindAll(ctx context.Context, class string, query map[string]any, opts *protocol.FindOptions) (*protocol.FindResult, error) {
	<-p.open
	return p.Memory.FindAll(ctx, class, query, opts)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingFactory struct {
	calls    atomic.Int32
	upgrades atomic.Int32
	delay    time.Duration
}

func (f *countingFactory) build(_ context.Context, desc pipeline.Descriptor, upgrade bool, bc pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
	f.calls.Add(1)
	if upgrade {
		f.upgrades.Add(1)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return pipeline.NewMemory(desc, bc, nil), nil
}

func newTestManager(t *testing.T, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Version:        "1.0.0",
		Logger:         zerolog.Nop(),
		ReconnectGrace: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := New(opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func userToken(email, ws string) token.Token {
	return token.Token{Email: email, Workspace: ws}
}

func upgradeToken(ws string) token.Token {
	return token.Token{Email: token.SystemAccount, Workspace: ws, Extra: map[string]string{token.ExtraModel: token.ModelUpgrade}}
}

var socketSeq atomic.Int64

func admit(t *testing.T, m *Manager, tok token.Token, sessionID string) (*fakeSocket, *Admission) {
	t.Helper()
	sock := newFakeSocket(fmt.Sprintf("sock-%d", socketSeq.Add(1)))
	adm, err := m.AddSession(context.Background(), AddSessionRequest{Token: tok, Socket: sock, SessionID: sessionID})
	require.NoError(t, err)
	return sock, adm
}

func frame(t *testing.T, id int64, method string, params ...any) []byte {
	t.Helper()
	b, err := protocol.JSON.EncodeRequest(id, method, params...)
	require.NoError(t, err)
	return b
}

func hello(t *testing.T, m *Manager, sock *fakeSocket) {
	t.Helper()
	require.NoError(t, m.HandleRequest(context.Background(), sock, frame(t, 1, protocol.MethodHello, protocol.HelloParams{})))
}

func workspaceOf(m *Manager, key string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[key]
}

func sessionCount(m *Manager, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.workspaces[key]
	if ws == nil {
		return -1
	}
	return len(ws.sessions)
}
