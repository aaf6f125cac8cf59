package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"
)

// Credentials represents the short-lived credentials used to access the
// Watchpost API.
type Credentials struct {
	// AccessToken is the Bearer token used to access the API.
	AccessToken string `json:"access_token"`
	// RefreshToken is used to acquire a new access token.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt marks the end of validity period for the access token.
	// The provider must use the refresh token to acquire a new access token
	// before this time.
	ExpiresAt time.Time `json:"expires_at"`
}

// CheckAndSetExpiry validates the credentials and, when the issuer did not
// supply an explicit expiry, populates ExpiresAt from the access token's
// "exp" claim.
func (c *Credentials) CheckAndSetExpiry() error {
	if c.AccessToken == "" {
		return trace.BadParameter("credentials are missing `access_token`")
	}

	if !c.ExpiresAt.IsZero() {
		return nil
	}

	expiresAt, err := tokenExpiry(c.AccessToken)
	if err != nil {
		return trace.Wrap(err)
	}
	c.ExpiresAt = expiresAt

	return nil
}

// ValidAt checks whether the access token is still usable at a given moment,
// taking the safety margin into account.
func (c *Credentials) ValidAt(now time.Time, margin time.Duration) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// tokenExpiry extracts the "exp" claim from a JWT access token.
func tokenExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, trace.BadParameter("access token is not a well-formed JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, trace.BadParameter("failed to decode access token payload: %v", err)
	}

	exp := gjson.GetBytes(payload, "exp")
	if !exp.Exists() {
		return time.Time{}, trace.BadParameter("access token payload is missing `exp` claim")
	}

	return time.Unix(exp.Int(), 0), nil
}
