package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
	"github.com/abdelmounim-dev/workspace-pooler/transport"
)

func testConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		MaxConnections:   10,
		MessageSizeLimit: 1 << 20,
		HandshakeTimeout: 5,
		WriteTimeout:     2,
		ReconnectBackoff: 10,
		MaxRetries:       1,
	}
}

func startServer(t *testing.T, cfg *config.WebSocketConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	m := manager.New(manager.Options{Version: "1.0.0", Logger: zerolog.Nop(), ReconnectGrace: time.Hour})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	auth := &transport.Authenticator{Decoder: token.Unverified{}, TokenParam: "token", Anonymous: true}
	h := NewHandler(m, auth, transport.NewLimiter(cfg.MaxConnections), cfg, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, m
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one with the given id arrives.
func next(t *testing.T, conn *websocket.Conn, id int64) (*protocol.ClientResponse, int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		resp, err := protocol.CodecFor(msgType == websocket.BinaryMessage).DecodeResponse(data)
		require.NoError(t, err)
		if resp.ID == id {
			return resp, msgType
		}
	}
}

func call(t *testing.T, conn *websocket.Conn, codec protocol.Codec, id int64, method string, params ...any) *protocol.ClientResponse {
	t.Helper()
	frame, err := codec.EncodeRequest(id, method, params...)
	require.NoError(t, err)
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	require.NoError(t, conn.WriteMessage(msgType, frame))
	resp, _ := next(t, conn, id)
	return resp
}

func TestHandler_HelloAndTxBroadcast(t *testing.T) {
	srv, m := startServer(t, testConfig())
	a := dial(t, srv, "workspace=w1&email=a@example.com&sessionId=sa")
	b := dial(t, srv, "workspace=w1&email=b@example.com&sessionId=sb")

	var hello protocol.HelloResult
	require.NoError(t, call(t, a, protocol.JSON, 1, protocol.MethodHello, protocol.HelloParams{}).Decode(&hello))
	assert.Equal(t, "1.0.0", hello.ServerVersion)
	call(t, b, protocol.JSON, 1, protocol.MethodHello, protocol.HelloParams{})

	tx := protocol.Tx{Kind: protocol.TxCreate, ObjectClass: "task", ObjectID: "t1", Attributes: map[string]any{"title": "ship"}}
	resp := call(t, a, protocol.JSON, 2, protocol.MethodTx, tx)
	assert.Nil(t, resp.Error)

	bc, _ := next(t, b, protocol.BroadcastID)
	var txes []protocol.Tx
	require.NoError(t, bc.Decode(&txes))
	require.Len(t, txes, 1)
	assert.Equal(t, "t1", txes[0].ObjectID)

	st := m.Stats()
	assert.Equal(t, 2, st.Sessions)
	require.Len(t, st.Workspaces, 1)
	assert.Equal(t, Transport, st.Workspaces[0].Sessions[0].Transport)
}

func TestHandler_BinaryModeAfterHello(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	conn := dial(t, srv, "workspace=w1&email=a@example.com")

	frame, err := protocol.JSON.EncodeRequest(1, protocol.MethodHello, protocol.HelloParams{Binary: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	resp, msgType := next(t, conn, 1)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	var hello protocol.HelloResult
	require.NoError(t, resp.Decode(&hello))
	assert.True(t, hello.Binary)

	pong := call(t, conn, protocol.CBOR, 2, protocol.MethodPing)
	var result string
	require.NoError(t, pong.Decode(&result))
	assert.Equal(t, "pong", result)
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_ConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv, _ := startServer(t, cfg)
	dial(t, srv, "workspace=w1&email=a@example.com")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "workspace=w1&email=b@example.com"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_RefusedSessionGetsHelloThenClose(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	first := dial(t, srv, "workspace=w1&email=a@example.com&sessionId=dup")
	call(t, first, protocol.JSON, 1, protocol.MethodHello, protocol.HelloParams{})
	second := dial(t, srv, "workspace=w1&email=a@example.com&sessionId=dup")

	resp, _ := next(t, second, protocol.HelloID)
	var hello protocol.HelloResult
	require.NoError(t, resp.Decode(&hello))
	assert.True(t, hello.AlreadyConnected)
	assert.NotEmpty(t, hello.Error)

	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandler_DisconnectRemovesSession(t *testing.T) {
	srv, m := startServer(t, testConfig())
	conn := dial(t, srv, "workspace=w1&email=a@example.com")
	call(t, conn, protocol.JSON, 1, protocol.MethodHello, protocol.HelloParams{})
	require.Equal(t, 1, m.Stats().Sessions)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return m.Stats().Sessions == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_CloseIsIdempotent(t *testing.T) {
	sockets := make(chan *Socket, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		sockets <- NewSocket(conn, testConfig(), manager.Metadata{RemoteAddr: r.RemoteAddr}, zerolog.Nop())
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := dial(t, srv, "")
	socket := <-sockets
	assert.Equal(t, Transport, socket.Data().Transport)
	assert.NotEmpty(t, socket.ID())

	n, err := socket.Send(context.Background(), &protocol.Response{ID: 7, Result: "ok"}, false, false)
	require.NoError(t, err)
	assert.Positive(t, n)
	resp, _ := next(t, client, 7)
	var result string
	require.NoError(t, resp.Decode(&result))
	assert.Equal(t, "ok", result)

	socket.Close()
	socket.Close()
	assert.True(t, socket.IsClosed())
	_, err = socket.Send(context.Background(), &protocol.Response{ID: 8}, false, false)
	assert.ErrorIs(t, err, manager.ErrSocketClosed)

	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
