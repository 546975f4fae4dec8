package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionValidity(t *testing.T) {
	now := time.Date(2025, 5, 28, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		session     Session
		wantValid   bool
		wantExpired bool
	}{
		{
			name:        "empty session",
			session:     Session{},
			wantValid:   false,
			wantExpired: false,
		},
		{
			name:        "token with future expiry",
			session:     Session{AccessToken: "t", AccessTokenExpiration: now.Add(time.Minute)},
			wantValid:   true,
			wantExpired: false,
		},
		{
			name:        "token expired in the past",
			session:     Session{AccessToken: "t", AccessTokenExpiration: now.Add(-time.Minute)},
			wantValid:   false,
			wantExpired: true,
		},
		{
			name:        "expiry equal to now is expired",
			session:     Session{AccessToken: "t", AccessTokenExpiration: now},
			wantValid:   false,
			wantExpired: true,
		},
		{
			name:        "token without expiry is lenient",
			session:     Session{AccessToken: "t"},
			wantValid:   true,
			wantExpired: false,
		},
		{
			name:        "expiry without token",
			session:     Session{AccessTokenExpiration: now.Add(time.Hour)},
			wantValid:   false,
			wantExpired: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantValid, tt.session.Valid(now))
			assert.Equal(t, tt.wantExpired, tt.session.Expired(now))
		})
	}
}

func TestResetAndClone(t *testing.T) {
	s := &Session{
		AccessToken:        "t",
		APIGatewayToken:    "k",
		APIGatewayB2BToken: "k2",
		Cookies:            map[string]string{"a": "b"},
	}
	assert.True(t, s.HasGatewayKeys())

	c := s.Clone()
	c.Cookies["a"] = "changed"
	assert.Equal(t, "b", s.Cookies["a"])

	s.Reset()
	assert.Empty(t, s.AccessToken)
	assert.False(t, s.HasGatewayKeys())
	assert.NotNil(t, s.Cookies)
	assert.Empty(t, s.Cookies)
}
