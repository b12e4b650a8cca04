package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

const (
	Transport = "websocket"

	defaultRetryDelay   = 200 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// Socket adapts a gorilla connection to manager.ConnectionSocket. Writes are
// serialised; control frames go through WriteControl which gorilla allows
// concurrently with everything else.
type Socket struct {
	id     string
	conn   *websocket.Conn
	cfg    *config.WebSocketConfig
	meta   manager.Metadata
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
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

// Send encodes resp with the codec of the negotiated mode and writes it as a
// single text or binary message.
func (s *Socket) Send(ctx context.Context, resp *protocol.Response, binary, compress bool) (int, error) {
	if s.IsClosed() {
		return 0, manager.ErrSocketClosed
	}
	data, err := protocol.CodecFor(binary).EncodeResponse(resp)
	if err != nil {
		return 0, fmt.Errorf("encode response %d: %w", resp.ID, err)
	}
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	if err := s.write(ctx, msgType, data, compress); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *Socket) write(ctx context.Context, msgType int, data []byte, compress bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.EnableWriteCompression(compress)
	operation := func() error {
		if s.closed.Load() {
			return backoff.Permanent(manager.ErrSocketClosed)
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil {
			return backoff.Permanent(err)
		}
		err := s.conn.WriteMessage(msgType, data)
		if errors.Is(err, websocket.ErrCloseSent) {
			return backoff.Permanent(manager.ErrSocketClosed)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay()), uint64(max(s.cfg.MaxRetries, 0))),
		ctx,
	)
	return backoff.RetryNotify(operation, policy, func(err error, d time.Duration) {
		s.log.Debug().Err(err).Dur("next", d).Msg("retrying websocket write")
	})
}

// StartPinging sends a ping every PingInterval until the socket closes. With
// KeepAlive set, a missing pong within PongTimeout fails the next read.
func (s *Socket) StartPinging() {
	interval := config.Seconds(s.cfg.PingInterval)
	if interval <= 0 {
		return
	}
	if s.cfg.KeepAlive {
		deadline := interval + config.Seconds(s.cfg.PongTimeout)
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}
	go s.pingLoop(interval)
}

func (s *Socket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout()))
			if err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				s.closeWith(websocket.CloseInternalServerErr, "ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Socket) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Socket) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(s.writeTimeout()),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.Debug().Err(err).Msg("close frame not sent")
		}
		_ = s.conn.Close()
	})
}

func (s *Socket) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return config.Seconds(s.cfg.WriteTimeout)
}

func (s *Socket) retryDelay() time.Duration {
	if s.cfg.ReconnectBackoff <= 0 {
		return defaultRetryDelay
	}
	return config.Millis(s.cfg.ReconnectBackoff)
}
