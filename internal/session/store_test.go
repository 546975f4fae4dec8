package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *Store {
	logger, _ := test.NewNullLogger()
	return NewStore(path, logger)
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "wnsm_session.json")
	store := newTestStore(t, path)

	accessExp := time.Date(2025, 5, 29, 10, 0, 0, 123000000, time.UTC)
	refreshExp := accessExp.Add(30 * time.Minute)
	sess := &Session{
		AccessToken:            "access",
		RefreshToken:           "refresh",
		APIGatewayToken:        "b2c-key",
		APIGatewayB2BToken:     "b2b-key",
		AccessTokenExpiration:  accessExp,
		RefreshTokenExpiration: refreshExp,
		Cookies:                map[string]string{"AUTH_SESSION_ID": "abc", "KC_RESTART": "xyz"},
	}

	assert.Equal(t, path, store.Path())
	require.NoError(t, store.Save(sess))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	restored, ok := store.Restore()
	require.True(t, ok)
	assert.Equal(t, sess.AccessToken, restored.AccessToken)
	assert.Equal(t, sess.RefreshToken, restored.RefreshToken)
	assert.Equal(t, sess.APIGatewayToken, restored.APIGatewayToken)
	assert.Equal(t, sess.APIGatewayB2BToken, restored.APIGatewayB2BToken)
	assert.True(t, sess.AccessTokenExpiration.Equal(restored.AccessTokenExpiration))
	assert.True(t, sess.RefreshTokenExpiration.Equal(restored.RefreshTokenExpiration))
	assert.Equal(t, sess.Cookies, restored.Cookies)

	// restoring twice yields the same session
	again, ok := store.Restore()
	require.True(t, ok)
	assert.Equal(t, restored, again)
}

func TestSaveEmptySessionWritesNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := newTestStore(t, path)

	require.NoError(t, store.Save(New()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"cookies": {},
		"access_token": null,
		"refresh_token": null,
		"api_gateway_token": null,
		"api_gateway_b2b_token": null,
		"access_token_expiration": null,
		"refresh_token_expiration": null
	}`, string(data))

	restored, ok := store.Restore()
	require.True(t, ok)
	assert.False(t, restored.Valid(time.Now()))
}

func TestRestoreAbsentOrMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content *string
	}{
		{name: "missing file"},
		{name: "not json", content: strPtr("{not json")},
		{name: "json array", content: strPtr(`[]`)},
		{name: "missing keys", content: strPtr(`{"cookies": {}, "access_token": "a"}`)},
		{name: "bad expiry", content: strPtr(`{
			"cookies": {}, "access_token": "a", "refresh_token": null,
			"api_gateway_token": null, "api_gateway_b2b_token": null,
			"access_token_expiration": "yesterday", "refresh_token_expiration": null}`)},
		{name: "wrong cookie type", content: strPtr(`{
			"cookies": ["a"], "access_token": "a", "refresh_token": null,
			"api_gateway_token": null, "api_gateway_b2b_token": null,
			"access_token_expiration": null, "refresh_token_expiration": null}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "session.json")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0644))
			}

			sess, ok := newTestStore(t, path).Restore()
			assert.False(t, ok)
			assert.Nil(t, sess)
		})
	}
}

func TestRestoreLegacyNaiveTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	content := `{
		"cookies": {"a": "b"}, "access_token": "tok", "refresh_token": "ref",
		"api_gateway_token": "k1", "api_gateway_b2b_token": "k2",
		"access_token_expiration": "2025-05-28T10:15:30.500000",
		"refresh_token_expiration": null}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	sess, ok := newTestStore(t, path).Restore()
	require.True(t, ok)
	want := time.Date(2025, 5, 28, 10, 15, 30, 500000000, time.Local)
	assert.True(t, want.Equal(sess.AccessTokenExpiration))
	assert.True(t, sess.RefreshTokenExpiration.IsZero())
}

func strPtr(s string) *string {
	return &s
}
