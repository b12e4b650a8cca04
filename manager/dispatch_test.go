package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

func TestHello_IsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	sock, adm := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 1, protocol.MethodHello, protocol.HelloParams{})))
	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 2, protocol.MethodHello, protocol.HelloParams{Compression: true})))

	first := sock.responses(1)
	second := sock.responses(2)
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	h1 := first[0].Result.(protocol.HelloResult)
	h2 := second[0].Result.(protocol.HelloResult)
	assert.False(t, h1.Reconnect)
	assert.False(t, h2.Reconnect)
	assert.True(t, h2.Compression)

	binary, compress := adm.Session.Mode()
	assert.False(t, binary)
	assert.True(t, compress)
	assert.Equal(t, 1, sessionCount(m, "w1"))
}

func TestHandleRequest_BinaryModeAfterHello(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 1, protocol.MethodHello, protocol.HelloParams{Binary: true})))

	b, err := protocol.CBOR.EncodeRequest(2, protocol.MethodPing)
	require.NoError(t, err)
	require.NoError(t, m.HandleRequest(ctx, sock, b))

	resp := sock.responses(2)
	require.Len(t, resp, 1)
	assert.Equal(t, "pong", resp[0].Result)
}

func TestHandleRequest_GetAccount(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "W1"), "s1")
	require.NoError(t, m.HandleRequest(context.Background(), sock, frame(t, 7, protocol.MethodGetAccount)))

	resp := sock.responses(7)
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.Account{Email: "a@example.com", Workspace: "w1"}, resp[0].Result)
}

func TestHandleRequest_Measure(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, func(o *Options) { o.Clock = clock.Now })
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 1, protocol.MethodMeasure, "load")))
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 2, protocol.MethodMeasureDone, "load")))

	resp := sock.responses(2)
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.MeasureResult{Name: "load", Elapsed: 250}, resp[0].Result)

	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 3, protocol.MethodMeasureDone, "load")))
	resp = sock.responses(3)
	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
}

func TestHandleRequest_UnknownMethod(t *testing.T) {
	m := newTestManager(t, nil)
	sock, adm := admit(t, m, userToken("a@example.com", "w1"), "s1")
	require.NoError(t, m.HandleRequest(context.Background(), sock, frame(t, 4, "dropDatabase")))

	resp := sock.responses(4)
	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, "unknown-method", resp[0].Error.Code)
	assert.Zero(t, adm.Session.inflightCount())
}

type panickyPipeline struct{ pipeline.Pipeline }

func (panickyPipeline) FindAll(context.Context, string, map[string]any, *protocol.FindOptions) (*protocol.FindResult, error) {
	panic("index corrupted")
}

func TestHandleRequest_PanicBecomesErrorResponse(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Factory = func(_ context.Context, d pipeline.Descriptor, _ bool, bc pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
			return panickyPipeline{pipeline.NewMemory(d, bc, nil)}, nil
		}
	})
	sock, adm := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 5, protocol.MethodFindAll, "task")))
	resp := sock.responses(5)
	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, "internal", resp[0].Error.Code)
	assert.Contains(t, resp[0].Error.Message, "index corrupted")
	assert.NotEmpty(t, resp[0].Error.Stack)
	assert.Zero(t, adm.Session.inflightCount())

	// the dispatcher keeps serving
	require.NoError(t, m.HandleRequest(ctx, sock, frame(t, 6, protocol.MethodPing)))
	assert.Len(t, sock.responses(6), 1)
}

func TestHandleRequest_PipelineErrorsAreCoded(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	tx := protocol.Tx{Kind: protocol.TxUpdate, ObjectClass: "task", ObjectID: "missing"}
	require.NoError(t, m.HandleRequest(context.Background(), sock, frame(t, 8, protocol.MethodTx, tx)))

	resp := sock.responses(8)
	require.Len(t, resp, 1)
	require.NotNil(t, resp[0].Error)
	assert.Equal(t, "not-found", resp[0].Error.Code)
}

func TestHandleRequest_UnknownSocket(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.HandleRequest(context.Background(), newFakeSocket("ghost"), frame(t, 1, protocol.MethodPing))
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestHandleRequest_MalformedFrame(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	err := m.HandleRequest(context.Background(), sock, []byte("{not json"))
	require.Error(t, err)

	resp := sock.responses(0)
	require.Len(t, resp, 1)
	assert.Equal(t, "bad-request", resp[0].Error.Code)
}

func TestForceClose_IgnoredOutsideUpgrade(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	require.NoError(t, m.HandleRequest(context.Background(), sock, frame(t, 9, protocol.MethodForceClose)))

	resp := sock.responses(9)
	require.Len(t, resp, 1)
	assert.Equal(t, false, resp[0].Result)
	assert.Never(t, func() bool { return workspaceOf(m, "w1") == nil }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBuildMethodTable_RejectsBadRegistrations(t *testing.T) {
	ping := func(context.Context, *Manager, *sessionEntry, *protocol.Request) (any, error) { return nil, nil }

	assert.Panics(t, func() {
		buildMethodTable([]namedMethod{{"ping", ping}, {"ping", ping}})
	})
	assert.Panics(t, func() {
		buildMethodTable([]namedMethod{{protocol.MethodHello, ping}})
	})
	assert.NotPanics(t, func() {
		buildMethodTable(sessionMethods())
	})
}

func TestReceive_RequestsStartInArrivalOrder(t *testing.T) {
	m := newTestManager(t, nil)
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	create := protocol.Tx{Kind: protocol.TxCreate, ObjectClass: "task", ObjectID: "t1", Attributes: map[string]any{"title": "a"}}
	update := protocol.Tx{Kind: protocol.TxUpdate, ObjectClass: "task", ObjectID: "t1", Attributes: map[string]any{"title": "b"}}
	first := m.Receive(sock, frame(t, 1, protocol.MethodTx, create))
	second := m.Receive(sock, frame(t, 2, protocol.MethodTx, update))

	// Answer in reverse; the update must still see the created doc.
	errs := make(chan error, 2)
	go func() { errs <- second(ctx) }()
	go func() { errs <- first(ctx) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	for _, id := range []int64{1, 2} {
		resp := sock.responses(id)
		require.Len(t, resp, 1)
		assert.Nil(t, resp[0].Error, "request %d", id)
	}
}

func TestReceive_SlowReadDoesNotHoldLaterRequests(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, func(o *Options) {
		o.Factory = func(_ context.Context, desc pipeline.Descriptor, _ bool, bc pipeline.BroadcastFunc) (pipeline.Pipeline, error) {
			return &gatedPipeline{Memory: pipeline.NewMemory(desc, bc, nil), open: gate}, nil
		}
	})
	sock, _ := admit(t, m, userToken("a@example.com", "w1"), "s1")
	ctx := context.Background()

	find := m.Receive(sock, frame(t, 1, protocol.MethodFindAll, "task"))
	ping := m.Receive(sock, frame(t, 2, protocol.MethodPing))

	found := make(chan error, 1)
	go func() { found <- find(ctx) }()
	require.NoError(t, ping(ctx))
	assert.Len(t, sock.responses(2), 1)
	assert.Empty(t, sock.responses(1))

	close(gate)
	require.NoError(t, <-found)
	assert.Len(t, sock.responses(1), 1)
}

func TestHandleRequest_UpgradeMarkerReportsUpgradeState(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	regular, _ := admit(t, m, userToken("a@example.com", "w1"), "sa")
	require.NoError(t, m.HandleRequest(ctx, regular, frame(t, 1, protocol.UpgradeMarker)))
	resp := regular.responses(1)
	require.Len(t, resp, 1)
	assert.Nil(t, resp[0].Error)
	assert.Equal(t, false, resp[0].Result)

	upgrader, _ := admit(t, m, upgradeToken("w2"), "u1")
	require.NoError(t, m.HandleRequest(ctx, upgrader, frame(t, 2, protocol.UpgradeMarker)))
	resp = upgrader.responses(2)
	require.Len(t, resp, 1)
	assert.Equal(t, true, resp[0].Result)
}
