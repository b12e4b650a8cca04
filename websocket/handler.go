// Package websocket serves workspace sessions over gorilla/websocket.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/transport"
)

// Handler upgrades HTTP requests and pumps frames between the connection
// and the session manager.
type Handler struct {
	manager  *manager.Manager
	auth     *transport.Authenticator
	limiter  *transport.Limiter
	cfg      *config.WebSocketConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader

	// inflight tracks request goroutines so shutdown can drain them.
	inflight sync.WaitGroup
}

func NewHandler(m *manager.Manager, auth *transport.Authenticator, limiter *transport.Limiter, cfg *config.WebSocketConfig, log zerolog.Logger) *Handler {
	return &Handler{
		manager: m,
		auth:    auth,
		limiter: limiter,
		cfg:     cfg,
		log:     log.With().Str("transport", Transport).Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  config.Seconds(cfg.HandshakeTimeout),
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		h.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		transport.Reject(w, err)
		return
	}
	if !h.limiter.Acquire() {
		transport.Reject(w, transport.ErrTooManyConns)
		return
	}
	defer h.limiter.Release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	socket := NewSocket(conn, h.cfg, manager.Metadata{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}, h.log)
	defer socket.Close()

	ctx := context.WithoutCancel(r.Context())
	adm, err := h.manager.AddSession(ctx, manager.AddSessionRequest{
		Token:     hs.Token,
		RawToken:  hs.RawToken,
		Socket:    socket,
		SessionID: hs.SessionID,
	})
	if err != nil {
		// The refusal hello has already been written by the manager.
		h.log.Info().Err(err).Str("workspace", hs.Token.Workspace).Msg("session refused")
		return
	}
	defer h.manager.CloseSocket(ctx, socket)

	socket.StartPinging()
	h.readLoop(adm.Context, conn, socket)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, socket *Socket) {
	log := zerolog.Ctx(ctx)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) && !socket.IsClosed() {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}

		// Receive runs here so requests keep their arrival order; answering
		// them may overlap.
		handle := h.manager.Receive(socket, msg)
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			if err := handle(ctx); err != nil {
				log.Debug().Err(err).Msg("request not handled")
			}
		}()
	}
}

// Drain waits for in-flight requests to finish or ctx to expire.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
