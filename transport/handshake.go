// Package transport holds what the websocket transports share: the
// connection handshake and the connection limit.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

const (
	SessionIDParam = "sessionId"
	anonymousUser  = "anonymous@local"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrTooManyConns = errors.New("connection limit reached")
)

// Handshake is the identity a connection presented before the upgrade.
type Handshake struct {
	Token     token.Token
	RawToken  string
	SessionID string
}

// Authenticator decodes the handshake of an upgrade request.
type Authenticator struct {
	Decoder    token.Decoder
	TokenParam string
	// Anonymous admits requests without a token, routed by the workspace
	// and email query parameters. Only for auth-disabled deployments.
	Anonymous bool
}

func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Handshake, error) {
	q := r.URL.Query()
	raw := q.Get(a.TokenParam)
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	hs := &Handshake{RawToken: raw, SessionID: q.Get(SessionIDParam)}

	if raw == "" {
		if !a.Anonymous || q.Get("workspace") == "" {
			metrics.AuthFailures.WithLabelValues("missing").Inc()
			return nil, ErrMissingToken
		}
		email := q.Get("email")
		if email == "" {
			email = anonymousUser
		}
		hs.Token = token.Token{Email: email, Workspace: q.Get("workspace")}
		return hs, nil
	}

	tok, err := a.Decoder.Decode(ctx, raw)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, token.ErrRevoked) {
			reason = "revoked"
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		return nil, err
	}
	metrics.AuthSuccess.Inc()
	hs.Token = tok
	return hs, nil
}

// Limiter caps concurrent connections. A zero max means unlimited.
type Limiter struct {
	max    int64
	active atomic.Int64
}

func NewLimiter(max int) *Limiter {
	return &Limiter{max: int64(max)}
}

func (l *Limiter) Acquire() bool {
	n := l.active.Add(1)
	if l.max > 0 && n > l.max {
		l.active.Add(-1)
		return false
	}
	return true
}

func (l *Limiter) Release() {
	l.active.Add(-1)
}

func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Reject writes the HTTP error matching a failed handshake.
func Reject(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTooManyConns):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrMissingToken):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
	}
}
