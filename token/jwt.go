package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/config"
)

var (
	ErrInvalidToken = errors.New("token is invalid")
	ErrRevoked      = errors.New("token has been revoked")
	ErrNoWorkspace  = errors.New("token has no workspace")
)

// Claims defines the structure of the JWT claims used in the system.
// The 'jti' (JWT ID) from RegisteredClaims is used for token revocation.
type Claims struct {
	Email     string            `json:"email"`
	Workspace string            `json:"workspace"`
	Extra     map[string]string `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// Validator handles JWT validation logic.
type Validator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
	log         zerolog.Logger
}

// NewValidator creates a new JWT validator. redisClient may be nil, in which
// case revocation is not checked.
func NewValidator(cfg *config.AuthConfig, redisClient *redis.Client, log zerolog.Logger) *Validator {
	return &Validator{
		cfg:         cfg,
		redisClient: redisClient,
		log:         log,
	}
}

// Decode parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *Validator) Decode(ctx context.Context, tokenString string) (Token, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		// This handles parsing errors, signature validation errors, and expired tokens.
		return Token{}, fmt.Errorf("token parse/validation error: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Token{}, ErrInvalidToken
	}
	if claims.Workspace == "" {
		return Token{}, ErrNoWorkspace
	}

	isRevoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Don't block login on a Redis outage.
		v.log.Error().Err(err).Msg("failed to check token revocation status")
	}
	if isRevoked {
		return Token{}, ErrRevoked
	}

	return Token{Email: claims.Email, Workspace: claims.Workspace, Extra: claims.Extra}, nil
}

// isRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *Validator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			v.log.Debug().Msg("token is missing 'jti' claim, cannot check for revocation")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}

	return exists == 1, nil
}

// Sign issues an HS256 token for t. Tokens are normally minted by the
// accounts service; this exists for tooling and tests.
func Sign(secret string, t Token, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:     t.Email,
		Workspace: t.Workspace,
		Extra:     t.Extra,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   t.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Decoder turns the raw token a client presents into a Token.
type Decoder interface {
	Decode(ctx context.Context, raw string) (Token, error)
}

// Unverified decodes claims without checking the signature. It is used when
// authentication is disabled so local clients can still pick a workspace.
type Unverified struct{}

func (Unverified) Decode(_ context.Context, raw string) (Token, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Workspace == "" {
		return Token{}, ErrNoWorkspace
	}
	return Token{Email: claims.Email, Workspace: claims.Workspace, Extra: claims.Extra}, nil
}
