// Package fastws serves workspace sessions over coder/websocket. It carries
// the same frames as the gorilla transport; compression is negotiated once
// at accept time rather than toggled per message.
package fastws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

const (
	Transport = "fastws"

	defaultWriteTimeout = 10 * time.Second
)

type Socket struct {
	id   string
	conn *websocket.Conn
	cfg  *config.WebSocketConfig
	meta manager.Metadata
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewSocket(conn *websocket.Conn, cfg *config.WebSocketConfig, meta manager.Metadata, log zerolog.Logger) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	id := ksuid.New().String()
	meta.Transport = Transport
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = time.Now()
	}
	return &Socket{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		meta:   meta,
		log:    log.With().Str("socket", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Socket) ID() string { return s.id }
func (s *Socket) Data() manager.Metadata { return s.meta }
func (s *Socket) IsClosed() bool { return s.closed.Load() }

// Send writes resp as one message. coder/websocket serialises concurrent
// writers itself.
func (s *Socket) Send(ctx context.Context, resp *protocol.Response, binary, _ bool) (int, error) {
	if s.IsClosed() {
		return 0, manager.ErrSocketClosed
	}
	data, err := protocol.CodecFor(binary).EncodeResponse(resp)
	if err != nil {
		return 0, fmt.Errorf("encode response %d: %w", resp.ID, err)
	}
	msgType := websocket.MessageText
	if binary {
		msgType = websocket.MessageBinary
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout())
	defer cancel()
	if err := s.conn.Write(ctx, msgType, data); err != nil {
		if s.IsClosed() || errors.Is(err, net.ErrClosed) {
			return 0, manager.ErrSocketClosed
		}
		return 0, err
	}
	return len(data), nil
}

// StartPinging pings every PingInterval. A pong must come back within
// PongTimeout or the socket closes. Ping only completes while a reader is
// running, which the handler's read loop guarantees.
func (s *Socket) StartPinging() {
	interval := config.Seconds(s.cfg.PingInterval)
	if interval <= 0 {
		return
	}
	timeout := config.Seconds(s.cfg.PongTimeout)
	if timeout <= 0 {
		timeout = interval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(s.ctx, timeout)
				err := s.conn.Ping(ctx)
				cancel()
				if err != nil {
					if s.ctx.Err() == nil {
						s.log.Debug().Err(err).Msg("pong not received")
						s.closeWith(websocket.StatusPolicyViolation, "pong timeout")
					}
					return
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Socket) Close() {
	s.closeWith(websocket.StatusNormalClosure, "")
}

func (s *Socket) closeWith(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		// Close waits for the peer's close frame; do not hold the caller.
		go func() {
			if err := s.conn.Close(code, reason); err != nil {
				s.log.Debug().Err(err).Msg("close handshake incomplete")
			}
		}()
	})
}

func (s *Socket) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return config.Seconds(s.cfg.WriteTimeout)
}
