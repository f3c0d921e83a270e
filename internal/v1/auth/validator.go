package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
)

// Sentinel errors returned by token verification. The transport layer maps
// these onto the handshake close codes; nothing here reaches the wire.
var (
	ErrTokenRequired = errors.New("token not provided")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token is expired")
	ErrTokenRevoked  = errors.New("token is revoked")
	// ErrRevocationCheck means the revocation set could not be consulted.
	// Verification fails closed on this error.
	ErrRevocationCheck = errors.New("revocation check unavailable")
)

// FlexibleID accepts a JSON string or number and stores it as a string.
// The business backend mints numeric user ids; older tokens carry them as
// strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// CustomClaims represents the JWT claims this service accepts. UserID shadows
// the registered "sub" claim so numeric subjects parse; after verification
// Subject always carries the normalized string form.
type CustomClaims struct {
	UserID   FlexibleID `json:"sub"`
	Name     string     `json:"name,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
	Coins    string     `json:"coins,omitempty"`
	Diamonds string     `json:"diamonds,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies compact HMAC-SHA256 tokens issued by the business
// backend against a shared secret, applies the iat+maxAge expiry fallback
// for tokens without an exp claim, and consults the Redis revocation set.
type Validator struct {
	secret []byte
	maxAge time.Duration
	rdb    *redis.Client
}

// NewValidator creates a Validator. The shared secret must be at least 32
// bytes; rdb may be nil to skip revocation checks (tests, single-tenant dev).
func NewValidator(secret string, maxAge time.Duration, rdb *redis.Client) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("JWT secret must be at least 32 bytes (got %d)", len(secret))
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Validator{
		secret: []byte(secret),
		maxAge: maxAge,
		rdb:    rdb,
	}, nil
}

// revocationKey hashes the raw token so revoked credentials are never stored
// verbatim in Redis.
func revocationKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return "auth:revoked:" + hex.EncodeToString(sum[:])
}

// ValidateToken parses and verifies a token string. Verification order:
// HS256 signature (constant-time compare inside golang-jwt), expiry (exp
// claim, else iat+maxAge), subject presence, then the revocation set. A
// Redis failure during the revocation check fails closed.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, ErrTokenRequired
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	// Tokens without an exp claim fall back to iat + maxAge; a token carrying
	// neither cannot establish validity at all.
	if claims.ExpiresAt == nil {
		if claims.IssuedAt == nil {
			return nil, fmt.Errorf("%w: token has neither exp nor iat", ErrTokenInvalid)
		}
		if time.Since(claims.IssuedAt.Time) > v.maxAge {
			return nil, ErrTokenExpired
		}
	}

	claims.Subject = string(claims.UserID)
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}

	if v.rdb != nil {
		revoked, err := v.rdb.SIsMember(ctx, revocationKey(tokenString), "1").Result()
		if err != nil {
			logging.Error(ctx, "Revocation check failed, failing closed", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	return claims, nil
}

// Revoke marks a token as revoked until it would have expired anyway.
// Exposed for the admin surface; verification only reads the set.
func (v *Validator) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	if v.rdb == nil {
		return errors.New("revocation requires Redis")
	}
	key := revocationKey(tokenString)
	pipe := v.rdb.TxPipeline()
	pipe.SAdd(ctx, key, "1")
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MockValidator is a development-only token validator that accepts any token.
// It decodes the payload without verifying the signature so the client id
// still matches between frontend and backend during local development.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(_ context.Context, tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{Name: "Dev User"}
	claims.Subject = "dev-user-123"

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				switch sub := raw["sub"].(type) {
				case string:
					if sub != "" {
						claims.Subject = sub
					}
				case float64:
					claims.Subject = fmt.Sprintf("%.0f", sub)
				}
				if n, ok := raw["name"].(string); ok && n != "" {
					claims.Name = n
				}
				if a, ok := raw["avatar"].(string); ok {
					claims.Avatar = a
				}
			}
		}
	}

	claims.UserID = FlexibleID(claims.Subject)
	return claims, nil
}
