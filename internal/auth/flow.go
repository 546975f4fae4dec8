// Package auth implements the log.wien credential login used by the smart
// meter portal.
//
// The identity provider offers no machine-to-machine grant for customer
// credentials, so the engine behaves like a browser: it loads the login page,
// posts the username form, posts the scraped password form, reads the
// authorization code from the redirect fragment and exchanges it for tokens.
// Each step has a pure parse function in parse.go so it can be tested on
// recorded responses.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

const (
	DefaultAuthURL     = "https://log.wien/auth/realms/logwien/protocol/openid-connect/"
	DefaultClientID    = "wn-smartmeter"
	DefaultRedirectURI = "https://smartmeter-web.wienernetze.at/"

	DefaultAccessTokenLifetime  = 5 * time.Minute
	DefaultRefreshTokenLifetime = 30 * time.Minute

	maxBodyBytes = 2 << 20
)

// State is a step of the login state machine.
type State int

const (
	Anonymous State = iota
	LoginPageLoaded
	CredentialsSubmitted
	AuthorizationCodeObtained
	TokenIssued
	Failed
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case LoginPageLoaded:
		return "login_page_loaded"
	case CredentialsSubmitted:
		return "credentials_submitted"
	case AuthorizationCodeObtained:
		return "authorization_code_obtained"
	case TokenIssued:
		return "token_issued"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials are the portal username and password.
type Credentials struct {
	Username string
	Password string
}

// Config describes the identity provider.
type Config struct {
	AuthURL              string
	ClientID             string
	RedirectURI          string
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
}

// DefaultConfig returns the production log.wien settings.
func DefaultConfig() Config {
	return Config{
		AuthURL:              DefaultAuthURL,
		ClientID:             DefaultClientID,
		RedirectURI:          DefaultRedirectURI,
		AccessTokenLifetime:  DefaultAccessTokenLifetime,
		RefreshTokenLifetime: DefaultRefreshTokenLifetime,
	}
}

// Engine drives one login at a time. It is not safe for concurrent use.
type Engine struct {
	cfg        Config
	client     *http.Client
	noRedirect *http.Client
	logger     logrus.FieldLogger
	now        func() time.Time

	state State
	err   error
}

// NewEngine creates an engine on top of client, whose cookie jar carries the
// identity provider session between steps.
func NewEngine(cfg Config, client *http.Client, logger logrus.FieldLogger) *Engine {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if !strings.HasSuffix(cfg.AuthURL, "/") {
		cfg.AuthURL += "/"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.AccessTokenLifetime <= 0 {
		cfg.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}

	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Engine{
		cfg:        cfg,
		client:     client,
		noRedirect: &noRedirect,
		logger:     logger.WithField("component", "auth"),
		now:        time.Now,
		state:      Anonymous,
	}
}

// State returns the current state of the machine.
func (e *Engine) State() State {
	return e.state
}

// Err returns the error that moved the machine to Failed.
func (e *Engine) Err() error {
	return e.err
}

// Login runs the full flow from Anonymous to TokenIssued.
func (e *Engine) Login(ctx context.Context, creds Credentials) (*Tokens, error) {
	e.state, e.err = Anonymous, nil

	loginURL, err := e.LoadLoginPage(ctx)
	if err != nil {
		return nil, err
	}

	code, err := e.SubmitCredentials(ctx, loginURL, creds)
	if err != nil {
		return nil, err
	}

	tokens, err := e.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	e.logger.WithField("access_token_expiration", tokens.AccessTokenExpiration.Format(time.RFC3339)).Info("Login successful")
	return tokens, nil
}

// LoadLoginPage fetches the authorization endpoint and returns the URL the
// credentials are posted to.
func (e *Engine) LoadLoginPage(ctx context.Context) (string, error) {
	pageURL := e.cfg.AuthURL + "auth?" + e.loginArgs().Encode()
	e.logger.WithField("url", pageURL).Debug("Loading login page")

	resp, body, err := e.do(ctx, e.client, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", e.fail(apierr.NewConnectionError("load login page", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", e.fail(apierr.NewStatusError("load login page", resp.StatusCode, body))
	}

	loginURL, err := ParseLoginPage(body, resp.Request.URL)
	if err != nil {
		return "", e.fail(err)
	}

	e.state = LoginPageLoaded
	return loginURL, nil
}

// SubmitCredentials performs the two form posts and returns the
// authorization code.
func (e *Engine) SubmitCredentials(ctx context.Context, loginURL string, creds Credentials) (string, error) {
	first := url.Values{"username": {creds.Username}, "login": {" "}}
	resp, body, err := e.do(ctx, e.noRedirect, http.MethodPost, loginURL, first)
	if err != nil {
		return "", e.fail(apierr.NewConnectionError("submit username", err))
	}
	e.logger.WithField("status", resp.StatusCode).Debug("Username submitted")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return "", e.fail(apierr.NewLoginError(fmt.Sprintf("initial login step failed with status %d", resp.StatusCode), nil))
	}

	action, form, err := ParseCredentialsForm(body, resp.Request.URL, creds)
	if err != nil {
		return "", e.fail(err)
	}

	resp, _, err = e.do(ctx, e.noRedirect, http.MethodPost, action, form)
	if err != nil {
		return "", e.fail(apierr.NewConnectionError("submit password", err))
	}
	e.state = CredentialsSubmitted
	e.logger.WithField("status", resp.StatusCode).Debug("Password form submitted")

	location := resp.Header.Get("Location")
	if location == "" {
		return "", e.fail(apierr.NewLoginError("no Location header in response, check username/password", nil))
	}

	code, err := ExtractAuthorizationCode(location)
	if err != nil {
		return "", e.fail(err)
	}

	e.state = AuthorizationCodeObtained
	return code, nil
}

// ExchangeCode trades the authorization code for bearer tokens.
func (e *Engine) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {e.cfg.ClientID},
		"redirect_uri": {e.cfg.RedirectURI},
		"code":         {code},
	}

	resp, body, err := e.do(ctx, e.client, http.MethodPost, e.cfg.AuthURL+"token", form)
	if err != nil {
		return nil, e.fail(apierr.NewConnectionError("obtain access token", err))
	}

	tokens, err := ParseTokenResponse(resp.StatusCode, body, e.now(), e.cfg.AccessTokenLifetime, e.cfg.RefreshTokenLifetime)
	if err != nil {
		return nil, e.fail(err)
	}

	e.state = TokenIssued
	return tokens, nil
}

func (e *Engine) loginArgs() url.Values {
	return url.Values{
		"client_id":     {e.cfg.ClientID},
		"redirect_uri":  {e.cfg.RedirectURI},
		"response_mode": {"fragment"},
		"response_type": {"code"},
		"scope":         {"openid"},
		"nonce":         {""},
	}
}

func (e *Engine) fail(err error) error {
	e.logger.WithError(err).WithField("state", e.state.String()).Error("Login step failed")
	e.state = Failed
	e.err = err
	return err
}

func (e *Engine) do(ctx context.Context, client *http.Client, method, target string, form url.Values) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
