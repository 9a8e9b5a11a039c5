package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthDisabled is returned by a JWT AuthFunc built with an empty
// secret: the gateway should not silently accept tokens it cannot
// verify.
var ErrAuthDisabled = errors.New("gateway: jwt auth disabled (no secret configured)")

// ErrInvalidToken is returned for any token that fails parsing,
// signature verification, or is missing the claims an identity needs.
var ErrInvalidToken = errors.New("gateway: invalid auth token")

// claims is the JWT payload a hello frame's auth token carries,
// grounded on the teacher's auth.Claims (internal/auth/jwt.go):
// registered claims plus the principal-identifying fields this
// Gateway's identity needs, generalized from the teacher's single-user
// Email/Name pair to the tenant/roles/groups an EvaluationContext
// requires.
type claims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTAuthFunc builds an AuthFunc that verifies an HS256-signed JWT
// against secret and resolves its subject/tenant_id/roles/groups claims
// into an identity, the same Generate/Validate shape as the teacher's
// auth.JWTService but returning straight into this package's identity
// type instead of a pkg/models.User.
func NewJWTAuthFunc(secret string) AuthFunc {
	key := []byte(secret)
	return func(ctx context.Context, auth string) (identity, error) {
		if len(key) == 0 {
			return identity{}, ErrAuthDisabled
		}
		token := strings.TrimPrefix(strings.TrimSpace(auth), "Bearer ")
		if token == "" {
			return identity{}, ErrInvalidToken
		}

		parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			return identity{}, ErrInvalidToken
		}

		c, ok := parsed.Claims.(*claims)
		if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
			return identity{}, ErrInvalidToken
		}

		return identity{
			Principal: c.Subject,
			Roles:     c.Roles,
			Groups:    c.Groups,
			TenantID:  c.TenantID,
		}, nil
	}
}

// NewDevJWT issues a short-lived token for secret/subject, for local
// testing; nothing outside this package's tests calls it. Production
// tokens are expected to be issued by whatever identity provider fronts
// this deployment.
func NewDevJWT(secret, subject, tenantID string, roles, groups []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	c := claims{
		TenantID: tenantID,
		Roles:    roles,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}
