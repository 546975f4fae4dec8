package auth

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseLoginPage(t *testing.T) {
	page := mustURL(t, "https://log.wien/auth/realms/logwien/protocol/openid-connect/auth?client_id=wn-smartmeter")

	action, err := ParseLoginPage(readFixture(t, "login_page.html"), page)
	require.NoError(t, err)
	assert.Equal(t,
		"https://log.wien/auth/realms/logwien/login-actions/authenticate?session_code=Xy7&execution=4e1c&client_id=wn-smartmeter&tab_id=QwE",
		action)
}

func TestParseLoginPageWithoutForm(t *testing.T) {
	_, err := ParseLoginPage([]byte("<html><body>Wartungsarbeiten</body></html>"), nil)

	var connErr *apierr.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestParseCredentialsForm(t *testing.T) {
	page := mustURL(t, "https://log.wien/auth/realms/logwien/login-actions/authenticate?session_code=Xy7")
	creds := Credentials{Username: "max@example.at", Password: "s3cret"}

	action, form, err := ParseCredentialsForm(readFixture(t, "password_form.html"), page, creds)
	require.NoError(t, err)

	assert.Equal(t,
		"https://log.wien/auth/realms/logwien/login-actions/authenticate?session_code=Ab9&execution=7f2a&client_id=wn-smartmeter&tab_id=QwE",
		action)
	assert.Equal(t, "max@example.at", form.Get("username"))
	assert.Equal(t, "s3cret", form.Get("password"))
	assert.Equal(t, "cred-42", form.Get("credentialId"))
	assert.Equal(t, "Anmelden", form.Get("login"))
}

func TestParseCredentialsFormWithoutAction(t *testing.T) {
	body := []byte(`<form><input name="password" type="password"/></form>`)

	_, _, err := ParseCredentialsForm(body, nil, Credentials{Username: "u", Password: "p"})

	var loginErr *apierr.LoginError
	require.True(t, errors.As(err, &loginErr))
	assert.Contains(t, err.Error(), "could not find password form action URL")
}

func TestExtractAuthorizationCode(t *testing.T) {
	tests := []struct {
		name     string
		location string
		want     string
		wantErr  bool
	}{
		{
			name:     "code in fragment",
			location: "https://smartmeter-web.wienernetze.at/#state=&session_state=b1d5&code=8f1b.b1d5.wn-smartmeter",
			want:     "8f1b.b1d5.wn-smartmeter",
		},
		{
			name:     "code first",
			location: "https://smartmeter-web.wienernetze.at/#code=abc&state=x",
			want:     "abc",
		},
		{
			name:     "no fragment",
			location: "https://smartmeter-web.wienernetze.at/?code=abc",
			wantErr:  true,
		},
		{
			name:     "error fragment",
			location: "https://smartmeter-web.wienernetze.at/#error=login_required&state=",
			wantErr:  true,
		},
		{
			name:     "malformed pair ignored",
			location: "https://smartmeter-web.wienernetze.at/#code=a=b&state=",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := ExtractAuthorizationCode(tt.location)
			if tt.wantErr {
				var loginErr *apierr.LoginError
				require.True(t, errors.As(err, &loginErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestParseTokenResponse(t *testing.T) {
	now := time.Date(2025, 5, 28, 6, 0, 0, 0, time.UTC)

	t.Run("valid response uses provider lifetimes", func(t *testing.T) {
		tokens, err := ParseTokenResponse(200, readFixture(t, "token_response.json"), now, time.Hour, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "eyJhbGciOiJSUzI1NiJ9.access", tokens.AccessToken)
		assert.Equal(t, "eyJhbGciOiJIUzI1NiJ9.refresh", tokens.RefreshToken)
		assert.Equal(t, now.Add(5*time.Minute), tokens.AccessTokenExpiration)
		assert.Equal(t, now.Add(30*time.Minute), tokens.RefreshTokenExpiration)
	})

	t.Run("fixed lifetimes when provider omits them", func(t *testing.T) {
		body := []byte(`{"access_token":"a","refresh_token":"r","token_type":"Bearer"}`)
		tokens, err := ParseTokenResponse(200, body, now, time.Hour, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), tokens.AccessTokenExpiration)
		assert.Equal(t, now.Add(24*time.Hour), tokens.RefreshTokenExpiration)
		assert.True(t, tokens.AccessTokenExpiration.Before(tokens.RefreshTokenExpiration))
	})

	t.Run("non-200 is a connection error", func(t *testing.T) {
		_, err := ParseTokenResponse(400, []byte(`{"error":"invalid_grant"}`), now, time.Hour, time.Hour)
		var connErr *apierr.ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, 400, connErr.StatusCode)
	})

	t.Run("malformed json is a connection error", func(t *testing.T) {
		_, err := ParseTokenResponse(200, []byte(`<html>`), now, time.Hour, time.Hour)
		var connErr *apierr.ConnectionError
		require.True(t, errors.As(err, &connErr))
	})

	t.Run("wrong token type is a login error", func(t *testing.T) {
		_, err := ParseTokenResponse(200, []byte(`{"access_token":"a","token_type":"MAC"}`), now, time.Hour, time.Hour)
		var loginErr *apierr.LoginError
		require.True(t, errors.As(err, &loginErr))
		assert.Contains(t, err.Error(), `"MAC"`)
	})
}
