package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Audience = "relayadmin"

	ScopeRead  = "announcements:read"
	ScopeWrite = "announcements:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the token body accepted by the development server.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for subject. With no scopes the token
// grants both read and write.
func IssueToken(secret, subject string, ttl time.Duration, scopes ...string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signing secret is required")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeRead, ScopeWrite}
	}
	now := time.Now().UTC()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (Claims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return Claims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	default:
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid jwt"}
	}
	if claims.Subject == "" {
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return Claims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
