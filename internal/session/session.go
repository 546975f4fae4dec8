// Package session holds the authentication state of the smart meter portal
// and persists it between runs.
package session

import (
	"time"
)

// Session is the mutable authentication state owned by the API client.
type Session struct {
	AccessToken            string
	RefreshToken           string
	APIGatewayToken        string
	APIGatewayB2BToken     string
	AccessTokenExpiration  time.Time
	RefreshTokenExpiration time.Time
	// Cookies maps cookie name to value for the identity provider domain.
	Cookies map[string]string
}

// New returns an empty, anonymous session.
func New() *Session {
	return &Session{Cookies: make(map[string]string)}
}

// Expired reports whether an access token expiry is recorded and has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.AccessTokenExpiration.IsZero() && !now.Before(s.AccessTokenExpiration)
}

// Valid reports whether the session can be used for API calls. A token
// without a recorded expiry is treated as non-expiring.
func (s *Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && !s.Expired(now)
}

// HasGatewayKeys reports whether both gateway API keys are known.
func (s *Session) HasGatewayKeys() bool {
	return s.APIGatewayToken != "" && s.APIGatewayB2BToken != ""
}

// Reset discards all tokens and cookies.
func (s *Session) Reset() {
	*s = Session{Cookies: make(map[string]string)}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Cookies = make(map[string]string, len(s.Cookies))
	for k, v := range s.Cookies {
		c.Cookies[k] = v
	}
	return &c
}
