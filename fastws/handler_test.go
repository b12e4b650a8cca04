package fastws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
	"github.com/abdelmounim-dev/workspace-pooler/transport"
)

func startServer(t *testing.T, cfg *config.WebSocketConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	m := manager.New(manager.Options{Version: "2.0.0", Logger: zerolog.Nop(), ReconnectGrace: time.Hour})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	auth := &transport.Authenticator{Decoder: token.Unverified{}, TokenParam: "token", Anonymous: true}
	srv := httptest.NewServer(NewHandler(m, auth, transport.NewLimiter(cfg.MaxConnections), cfg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, m
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/fast?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, id int64, method string, params ...any) *protocol.ClientResponse {
	t.Helper()
	frame, err := protocol.JSON.EncodeRequest(id, method, params...)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
	for {
		msgType, data, err := conn.Read(ctx)
		require.NoError(t, err)
		resp, err := protocol.CodecFor(msgType == websocket.MessageBinary).DecodeResponse(data)
		require.NoError(t, err)
		if resp.ID == id {
			return resp
		}
	}
}

func TestHandler_HelloAndFindAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv, m := startServer(t, &config.WebSocketConfig{MaxConnections: 4, WriteTimeout: 2})
	conn := dial(t, ctx, srv, "workspace=w1&email=a@example.com&sessionId=s1")

	var hello protocol.HelloResult
	require.NoError(t, roundTrip(t, ctx, conn, 1, protocol.MethodHello, protocol.HelloParams{}).Decode(&hello))
	assert.Equal(t, "2.0.0", hello.ServerVersion)

	tx := protocol.Tx{Kind: protocol.TxCreate, ObjectClass: "task", ObjectID: "t1"}
	require.Nil(t, roundTrip(t, ctx, conn, 2, protocol.MethodTx, tx).Error)

	var found protocol.FindResult
	require.NoError(t, roundTrip(t, ctx, conn, 3, protocol.MethodFindAll, "task").Decode(&found))
	require.Len(t, found.Docs, 1)
	assert.Equal(t, "t1", found.Docs[0].ID())

	st := m.Stats()
	require.Len(t, st.Workspaces, 1)
	assert.Equal(t, Transport, st.Workspaces[0].Sessions[0].Transport)
}

func TestHandler_RejectsBeforeAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv, _ := startServer(t, &config.WebSocketConfig{MaxConnections: 4})

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/fast", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_ManagerCloseEndsConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv, m := startServer(t, &config.WebSocketConfig{MaxConnections: 4, WriteTimeout: 2})
	conn := dial(t, ctx, srv, "workspace=w1&email=a@example.com")
	roundTrip(t, ctx, conn, 1, protocol.MethodHello, protocol.HelloParams{})

	require.NoError(t, m.ForceClose(ctx, "w1"))

	var err error
	for err == nil {
		_, _, err = conn.Read(ctx)
	}
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Eventually(t, func() bool { return m.Stats().Sessions == 0 }, 2*time.Second, 10*time.Millisecond)
}
