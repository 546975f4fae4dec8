package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

// Tokens is the outcome of a successful login.
type Tokens struct {
	AccessToken            string
	RefreshToken           string
	AccessTokenExpiration  time.Time
	RefreshTokenExpiration time.Time
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// ParseLoginPage extracts the URL the username form posts to.
func ParseLoginPage(body []byte, pageURL *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", apierr.NewConnectionError("parse login page", err)
	}

	action, ok := doc.Find("form[action]").First().Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return "", apierr.NewConnectionError("parse login page", fmt.Errorf("login form action not found"))
	}

	target, err := resolve(pageURL, action)
	if err != nil {
		return "", apierr.NewConnectionError("parse login page", err)
	}
	return target, nil
}

// ParseCredentialsForm reads the password form returned after the username
// step. Every named input keeps its default value except username and
// password, which are overwritten with creds.
func ParseCredentialsForm(body []byte, pageURL *url.URL, creds Credentials) (string, url.Values, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, apierr.NewLoginError("could not parse password form", err)
	}

	form := url.Values{}
	doc.Find("form input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value, _ := s.Attr("value")
		form.Set(name, value)
	})
	if form.Has("username") {
		form.Set("username", creds.Username)
	}
	if form.Has("password") {
		form.Set("password", creds.Password)
	}

	action, ok := doc.Find("form[action]").First().Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return "", nil, apierr.NewLoginError("could not find password form action URL", nil)
	}

	target, err := resolve(pageURL, action)
	if err != nil {
		return "", nil, apierr.NewLoginError("invalid password form action URL", err)
	}
	return target, form, nil
}

// ExtractAuthorizationCode reads the code from the fragment of the
// redirect location, e.g. https://host/#state=&session_state=x&code=abc.
func ExtractAuthorizationCode(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", apierr.NewLoginError("failed to extract authorization code from redirect", err)
	}

	fragment := map[string]string{}
	for _, pair := range strings.Split(u.Fragment, "&") {
		kv := strings.Split(pair, "=")
		if len(kv) == 2 {
			fragment[kv[0]] = kv[1]
		}
	}

	code, ok := fragment["code"]
	if !ok || code == "" {
		return "", apierr.NewLoginError("authorization code not found in redirect URL", nil)
	}
	return code, nil
}

// ParseTokenResponse validates the token endpoint response. Expiries come
// from expires_in/refresh_expires_in when the provider sends them and fall
// back to the configured lifetimes otherwise.
func ParseTokenResponse(status int, body []byte, now time.Time, accessLifetime, refreshLifetime time.Duration) (*Tokens, error) {
	if status != http.StatusOK {
		return nil, apierr.NewStatusError("obtain access token", status, body)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.NewConnectionError("parse token response", err)
	}

	if resp.TokenType != "Bearer" {
		return nil, apierr.NewLoginError(fmt.Sprintf("invalid token type: %q", resp.TokenType), nil)
	}
	if resp.AccessToken == "" {
		return nil, apierr.NewLoginError("token response carries no access token", nil)
	}

	if resp.ExpiresIn > 0 {
		accessLifetime = time.Duration(resp.ExpiresIn) * time.Second
	}
	if resp.RefreshExpiresIn > 0 {
		refreshLifetime = time.Duration(resp.RefreshExpiresIn) * time.Second
	}

	return &Tokens{
		AccessToken:            resp.AccessToken,
		RefreshToken:           resp.RefreshToken,
		AccessTokenExpiration:  now.Add(accessLifetime),
		RefreshTokenExpiration: now.Add(refreshLifetime),
	}, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	target, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if base == nil {
		return target.String(), nil
	}
	return base.ResolveReference(target).String(), nil
}
