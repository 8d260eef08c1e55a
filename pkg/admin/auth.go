package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims this surface accepts. Unlike a
// multi-tenant KeySet validator, operators here share a single
// symmetric secret, so the only identity carried is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

type principalKey struct{}

// Principal returns the authenticated operator's subject, if any.
func Principal(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(principalKey{}).(string)
	return v, ok
}

// JWTValidator validates HS256 bearer tokens against a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a validator for secret. A nil return means the
// caller configured no secret, which the middleware treats as
// fail-closed: every request is rejected.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("admin: unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("admin: token invalid")
	}
	return claims, nil
}

// requireAuth wraps next with bearer-token enforcement. A nil validator
// fails every request closed rather than silently allowing access.
func requireAuth(validator *JWTValidator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeUnauthorized(w, "missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeUnauthorized(w, "expected 'Bearer <token>'")
			return
		}
		if validator == nil {
			writeUnauthorized(w, "authentication not configured")
			return
		}
		claims, err := validator.Validate(parts[1])
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		if claims.Subject == "" {
			writeUnauthorized(w, "token subject is required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

// issueToken is a test/bootstrap helper for minting a short-lived token
// against the same shared secret the validator checks.
func issueToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
