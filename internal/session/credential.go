package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relayadmin/internal/realtime"
)

var ErrCredentialExpired = errors.New("credential has expired")

// Credential is a bearer token plus whatever the client could read from it
// without verifying the signature. Opaque tokens carry no claims.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

func (c Credential) Opaque() bool {
	return c.Subject == "" && c.ExpiresAt.IsZero()
}

// ParseCredential reads the sub and exp claims of a JWT credential. The
// server remains the authority; this only rejects tokens that are already
// known to be expired so the connection is not attempted in vain.
func ParseCredential(raw string, now time.Time) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, realtime.ErrMissingCredential
	}
	cred := Credential{Token: raw}
	if strings.Count(raw, ".") != 2 {
		return cred, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return cred, nil
	}
	cred.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(cred.ExpiresAt) {
			return cred, ErrCredentialExpired
		}
	}
	return cred, nil
}
