package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// legacyTimeLayout matches naive ISO-8601 timestamps written by earlier
// releases of the add-on.
const legacyTimeLayout = "2006-01-02T15:04:05.999999"

var requiredKeys = []string{
	"cookies",
	"access_token",
	"refresh_token",
	"api_gateway_token",
	"api_gateway_b2b_token",
	"access_token_expiration",
	"refresh_token_expiration",
}

type fileFormat struct {
	Cookies                map[string]string `json:"cookies"`
	AccessToken            *string           `json:"access_token"`
	RefreshToken           *string           `json:"refresh_token"`
	APIGatewayToken        *string           `json:"api_gateway_token"`
	APIGatewayB2BToken     *string           `json:"api_gateway_b2b_token"`
	AccessTokenExpiration  *string           `json:"access_token_expiration"`
	RefreshTokenExpiration *string           `json:"refresh_token_expiration"`
}

// Store persists a Session as JSON at a fixed path. It is not safe for use
// by several processes against the same path.
type Store struct {
	path   string
	logger logrus.FieldLogger
}

func NewStore(path string, logger logrus.FieldLogger) *Store {
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string {
	return s.path
}

// Save writes the session, creating parent directories as needed.
func (s *Store) Save(sess *Session) error {
	data, err := Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set session file permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.WithField("path", s.path).Info("Session saved")
	return nil
}

// Restore reads the session file. A missing, unreadable or malformed file is
// reported as (nil, false).
func (s *Store) Restore() (*Session, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("path", s.path).Warn("Failed to read session file")
		}
		return nil, false
	}

	sess, err := Unmarshal(data)
	if err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Discarding malformed session file")
		return nil, false
	}

	s.logger.WithField("path", s.path).Info("Previous session restored")
	return sess, true
}

// Marshal encodes a session in the persisted file format.
func Marshal(sess *Session) ([]byte, error) {
	cookies := sess.Cookies
	if cookies == nil {
		cookies = map[string]string{}
	}
	f := fileFormat{
		Cookies:                cookies,
		AccessToken:            optional(sess.AccessToken),
		RefreshToken:           optional(sess.RefreshToken),
		APIGatewayToken:        optional(sess.APIGatewayToken),
		APIGatewayB2BToken:     optional(sess.APIGatewayB2BToken),
		AccessTokenExpiration:  optionalTime(sess.AccessTokenExpiration),
		RefreshTokenExpiration: optionalTime(sess.RefreshTokenExpiration),
	}
	return json.MarshalIndent(f, "", "  ")
}

// Unmarshal decodes the persisted file format. Every key must be present;
// null values are allowed.
func Unmarshal(data []byte) (*Session, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid session JSON: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("session file is missing %q", key)
		}
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid session JSON: %w", err)
	}

	accessExp, err := parseOptionalTime(f.AccessTokenExpiration)
	if err != nil {
		return nil, fmt.Errorf("invalid access_token_expiration: %w", err)
	}
	refreshExp, err := parseOptionalTime(f.RefreshTokenExpiration)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh_token_expiration: %w", err)
	}

	sess := New()
	for k, v := range f.Cookies {
		sess.Cookies[k] = v
	}
	sess.AccessToken = deref(f.AccessToken)
	sess.RefreshToken = deref(f.RefreshToken)
	sess.APIGatewayToken = deref(f.APIGatewayToken)
	sess.APIGatewayB2BToken = deref(f.APIGatewayB2BToken)
	sess.AccessTokenExpiration = accessExp
	sess.RefreshTokenExpiration = refreshExp
	return sess, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseOptionalTime(s *string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, *s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyTimeLayout, *s, time.Local)
}
