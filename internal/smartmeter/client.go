// Package smartmeter is an authenticated client for the Wiener Netze smart
// meter portal API.
//
// The client owns the Session. Login runs the log.wien flow from the auth
// package, then loads the gateway API keys from the portal's app config.
// Call never refreshes silently: an expired session is an error and the
// caller is expected to log in again.
package smartmeter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wnsm/wnsm-sync/internal/apierr"
	"github.com/wnsm/wnsm-sync/internal/auth"
	"github.com/wnsm/wnsm-sync/internal/session"
)

const maxResponseBytes = 16 << 20

// Options configures a Client. Zero fields take the production defaults.
type Options struct {
	Endpoints Endpoints
	Auth      auth.Config
	// Timeout bounds every single HTTP request.
	Timeout time.Duration
	// RateLimit and Burst pace outbound API calls. A zero RateLimit
	// disables pacing.
	RateLimit rate.Limit
	Burst     int
	// Transport is used for all requests, e.g. an instrumented RoundTripper.
	Transport http.RoundTripper
}

// Client is not safe for concurrent use.
type Client struct {
	creds     auth.Credentials
	authCfg   auth.Config
	endpoints Endpoints
	timeout   time.Duration
	transport http.RoundTripper
	limiter   *rate.Limiter
	logger    logrus.FieldLogger
	now       func() time.Time

	httpClient *http.Client
	engine     *auth.Engine
	session    *session.Session
}

// NewClient creates a client for creds. Username and password must be set.
func NewClient(creds auth.Credentials, opts Options, logger logrus.FieldLogger) (*Client, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	endpoints := DefaultEndpoints()
	if opts.Endpoints.B2C != "" {
		endpoints.B2C = opts.Endpoints.B2C
	}
	if opts.Endpoints.B2B != "" {
		endpoints.B2B = opts.Endpoints.B2B
	}
	if opts.Endpoints.Alt != "" {
		endpoints.Alt = opts.Endpoints.Alt
	}
	if opts.Endpoints.AppConfig != "" {
		endpoints.AppConfig = opts.Endpoints.AppConfig
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &Client{
		creds:     creds,
		authCfg:   opts.Auth,
		endpoints: endpoints,
		timeout:   timeout,
		transport: transport,
		limiter:   limiter,
		logger:    logger.WithField("component", "smartmeter"),
		now:       time.Now,
	}
	c.reset()
	return c, nil
}

// Endpoints returns the base URLs currently in use.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// reset discards the session and starts over with an empty cookie jar.
func (c *Client) reset() {
	jar, _ := cookiejar.New(nil) // never fails without options
	c.httpClient = &http.Client{
		Jar:       jar,
		Timeout:   c.timeout,
		Transport: c.transport,
	}
	c.engine = auth.NewEngine(c.authCfg, c.httpClient, c.logger)
	c.session = session.New()
}

// LoggedIn reports whether the session holds an unexpired token and both
// gateway keys.
func (c *Client) LoggedIn() bool {
	return c.session.Valid(c.now()) && c.session.HasGatewayKeys()
}

// Login makes sure the client holds a usable session. An expired session is
// discarded first; a usable one is kept without contacting the server.
func (c *Client) Login(ctx context.Context) error {
	if c.session.Expired(c.now()) {
		c.logger.Info("Access token expired, resetting session")
		c.reset()
	}
	if c.LoggedIn() {
		return nil
	}

	tokens, err := c.engine.Login(ctx, c.creds)
	if err != nil {
		return err
	}

	b2cKey, b2bKey, err := c.fetchGatewayKeys(ctx, tokens.AccessToken)
	if err != nil {
		c.reset()
		return err
	}

	c.session.AccessToken = tokens.AccessToken
	c.session.RefreshToken = tokens.RefreshToken
	c.session.AccessTokenExpiration = tokens.AccessTokenExpiration
	c.session.RefreshTokenExpiration = tokens.RefreshTokenExpiration
	c.session.APIGatewayToken = b2cKey
	c.session.APIGatewayB2BToken = b2bKey
	return nil
}

type appConfig struct {
	B2CAPIKey string `json:"b2cApiKey"`
	B2BAPIKey string `json:"b2bApiKey"`
	B2CAPIURL string `json:"b2cApiUrl"`
	B2BAPIURL string `json:"b2bApiUrl"`
}

func (c *Client) fetchGatewayKeys(ctx context.Context, token string) (string, string, error) {
	const op = "obtain API key"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.AppConfig, nil)
	if err != nil {
		return "", "", apierr.NewConnectionError(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.send(req)
	if err != nil {
		return "", "", apierr.NewConnectionError(op, err)
	}
	if status < 200 || status > 299 {
		return "", "", apierr.NewStatusError(op, status, body)
	}

	var cfg appConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return "", "", apierr.NewConnectionError(op, err)
	}
	if cfg.B2CAPIKey == "" {
		return "", "", apierr.NewConnectionError(op, fmt.Errorf("b2cApiKey not found in API config response"))
	}
	if cfg.B2BAPIKey == "" {
		return "", "", apierr.NewConnectionError(op, fmt.Errorf("b2bApiKey not found in API config response"))
	}

	if cfg.B2CAPIURL != "" && cfg.B2CAPIURL != c.endpoints.B2C {
		c.endpoints.B2C = cfg.B2CAPIURL
		c.logger.WithField("url", cfg.B2CAPIURL).Warn("The b2cApiUrl has changed")
	}
	if cfg.B2BAPIURL != "" && cfg.B2BAPIURL != c.endpoints.B2B {
		c.endpoints.B2B = cfg.B2BAPIURL
		c.logger.WithField("url", cfg.B2BAPIURL).Warn("The b2bApiUrl has changed")
	}

	return cfg.B2CAPIKey, cfg.B2BAPIKey, nil
}

// Request describes one API call.
type Request struct {
	Endpoint string
	Base     Base
	Method   string // defaults to GET
	Query    url.Values
	Body     any // sent as JSON when non-nil
	Headers  map[string]string
}

// Call performs an authenticated request and returns the JSON response.
func (c *Client) Call(ctx context.Context, r Request) (json.RawMessage, error) {
	op := "call " + r.Endpoint

	if !c.session.Valid(c.now()) {
		return nil, apierr.NewConnectionError(op, apierr.ErrSessionInvalid)
	}

	target := joinURL(c.endpoints.url(r.Base), r.Endpoint)
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(r.Endpoint, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}

	var reqBody io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apierr.NewConnectionError(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, apierr.NewConnectionError(op, err)
	}

	apiKey := c.session.APIGatewayToken
	if r.Base == BaseB2B {
		apiKey = c.session.APIGatewayB2BToken
	}
	req.Header.Set("X-Gateway-APIKey", apiKey)
	req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint": r.Endpoint,
		"base":     r.Base.String(),
		"method":   method,
	}).Debug("API request")

	status, body, err := c.send(req)
	if err != nil {
		return nil, apierr.NewConnectionError(op, err)
	}
	if status < 200 || status > 299 {
		return nil, apierr.NewStatusError(op, status, body)
	}
	if !json.Valid(body) {
		return nil, apierr.NewConnectionError(op, fmt.Errorf("failed to parse API response as JSON"))
	}
	return json.RawMessage(body), nil
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// ExportSession returns a copy of the session including identity provider
// cookies, ready to be written by a session.Store.
func (c *Client) ExportSession() *session.Session {
	s := c.session.Clone()
	for _, raw := range c.cookieURLs() {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for _, ck := range c.httpClient.Jar.Cookies(u) {
			s.Cookies[ck.Name] = ck.Value
		}
	}
	return s
}

// RestoreSession replaces the client state with s. Cookies are scoped to the
// identity provider, where the login flow needs them.
func (c *Client) RestoreSession(s *session.Session) {
	c.reset()
	c.session = s.Clone()

	u, err := url.Parse(c.authURL())
	if err != nil || len(s.Cookies) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for name, value := range s.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	c.httpClient.Jar.SetCookies(u, cookies)
}

func (c *Client) authURL() string {
	if c.authCfg.AuthURL != "" {
		return c.authCfg.AuthURL
	}
	return auth.DefaultAuthURL
}

func (c *Client) cookieURLs() []string {
	return []string{
		c.authURL(),
		c.endpoints.B2C,
		c.endpoints.B2B,
		c.endpoints.Alt,
		c.endpoints.AppConfig,
	}
}

func joinURL(base, endpoint string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}
