package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/protocol"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

// Traffic counts what a session exchanged during one window.
type Traffic struct {
	Requests int64 `json:"requests"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

type inflight struct {
	method    string
	params    int
	startTime time.Time
}

// Session is the server side state of one logical client. It holds a
// reference to its workspace's pipeline but does not own it.
type Session struct {
	ID           string
	InstanceID   string
	Token        token.Token
	WorkspaceKey string

	pipeline  pipeline.Pipeline
	clock     func() time.Time
	createdAt time.Time

	mu          sync.Mutex
	binary      bool
	compress    bool
	hello       bool
	resumed     bool
	requests    map[int64]inflight
	measures    map[string]time.Time
	lastRequest time.Time
	current     Traffic
	fiveMinute  Traffic
	// released once the most recently received request has started
	lastTurn <-chan struct{}
}

// turn is a request's place in the arrival order of its session.
type turn struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
}

// wait blocks until every earlier request of the session has started.
func (t *turn) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *turn) release() {
	t.once.Do(func() { close(t.done) })
}

func newSession(id, instanceID string, tok token.Token, wsKey string, p pipeline.Pipeline, clock func() time.Time) *Session {
	now := clock()
	return &Session{
		ID:           id,
		InstanceID:   instanceID,
		Token:        tok,
		WorkspaceKey: wsKey,
		pipeline:     p,
		clock:        clock,
		createdAt:    now,
		requests:     make(map[int64]inflight),
		measures:     make(map[string]time.Time),
		lastRequest:  now,
	}
}

// User is the identity requests of this session run as.
func (s *Session) User() string {
	return s.Token.Email
}

func (s *Session) FindAll(ctx context.Context, class string, query map[string]any, opts *protocol.FindOptions) (*protocol.FindResult, error) {
	if class == "" {
		return nil, fmt.Errorf("findAll: class is required")
	}
	return s.pipeline.FindAll(ctx, class, query, opts)
}

// Tx stamps tx with the session identity and applies it. The stamped tx is
// returned so it can be broadcast as applied.
func (s *Session) Tx(ctx context.Context, tx protocol.Tx) (protocol.Tx, *pipeline.TxResult, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.ModifiedBy = s.User()
	if tx.ModifiedOn == 0 {
		tx.ModifiedOn = s.clock().UnixMilli()
	}
	res, err := s.pipeline.Tx(ctx, tx)
	if err != nil {
		return tx, nil, err
	}
	return tx, res, nil
}

func (s *Session) Ping() string {
	return "pong"
}

func (s *Session) Account() protocol.Account {
	return protocol.Account{
		Email:     s.Token.Email,
		Workspace: s.WorkspaceKey,
		Role:      s.Token.Role(),
	}
}

// Mode returns the negotiated wire options.
func (s *Session) Mode() (binary, compress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binary, s.compress
}

func (s *Session) negotiate(binary, compress bool) (resumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = binary
	s.compress = compress
	s.hello = true
	return s.resumed
}

func (s *Session) handshakeDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hello
}

func (s *Session) codec() protocol.Codec {
	binary, _ := s.Mode()
	return protocol.CodecFor(binary)
}

// nextTurn queues a request behind the previously received one.
func (s *Session) nextTurn() *turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &turn{prev: s.lastTurn, done: make(chan struct{})}
	s.lastTurn = t.done
	return t
}

func (s *Session) touch(frameBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequest = s.clock()
	s.current.Requests++
	s.current.BytesIn += int64(frameBytes)
}

func (s *Session) countSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.BytesOut += int64(n)
}

func (s *Session) lastRequestTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

func (s *Session) rollTraffic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fiveMinute = s.current
	s.current = Traffic{}
}

func (s *Session) traffic() (current, fiveMinute Traffic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.fiveMinute
}

func (s *Session) trackRequest(req *protocol.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = inflight{method: req.Method, params: req.NumParams(), startTime: s.clock()}
}

func (s *Session) untrackRequest(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

func (s *Session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// slowRequests lists in-flight requests older than limit.
func (s *Session) slowRequests(now time.Time, limit time.Duration) map[int64]inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slow map[int64]inflight
	for id, r := range s.requests {
		if now.Sub(r.startTime) > limit {
			if slow == nil {
				slow = make(map[int64]inflight)
			}
			slow[id] = r
		}
	}
	return slow
}

func (s *Session) startMeasure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measures[name] = s.clock()
}

func (s *Session) endMeasure(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.measures[name]
	if !ok {
		return 0, false
	}
	delete(s.measures, name)
	return s.clock().Sub(start), true
}
