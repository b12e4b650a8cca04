package fastws

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/transport"
)

type Handler struct {
	manager *manager.Manager
	auth    *transport.Authenticator
	limiter *transport.Limiter
	cfg     *config.WebSocketConfig
	log     zerolog.Logger

	inflight sync.WaitGroup
}

func NewHandler(m *manager.Manager, auth *transport.Authenticator, limiter *transport.Limiter, cfg *config.WebSocketConfig, log zerolog.Logger) *Handler {
	return &Handler{
		manager: m,
		auth:    auth,
		limiter: limiter,
		cfg:     cfg,
		log:     log.With().Str("transport", Transport).Logger(),
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
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
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!socket.IsClosed() {
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
