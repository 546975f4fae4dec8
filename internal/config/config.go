package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const DefaultOptionsFile = "/data/options.json"

// Config holds all configuration for the sync
type Config struct {
	Smartmeter SmartmeterConfig `mapstructure:"smartmeter"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Session    SessionConfig    `mapstructure:"session"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type SmartmeterConfig struct {
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Zaehlpunkt  string `mapstructure:"zaehlpunkt"`
	HistoryDays int    `mapstructure:"history_days"`
	// Source is "bewegungsdaten" or "messwerte".
	Source    string `mapstructure:"source"`
	ValueType string `mapstructure:"value_type"`
}

type RetryConfig struct {
	Count        int `mapstructure:"count"`
	DelaySeconds int `mapstructure:"delay"`
}

func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

type SessionConfig struct {
	File string `mapstructure:"file"`
}

type MQTTConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	// TimeoutSeconds bounds connecting and each publish.
	TimeoutSeconds int `mapstructure:"timeout"`
}

func (m MQTTConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type ScheduleConfig struct {
	UpdateIntervalSeconds int  `mapstructure:"update_interval"`
	RunOnStart            bool `mapstructure:"run_on_start"`
}

func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.UpdateIntervalSeconds) * time.Second
}

type APIConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	Burst          int     `mapstructure:"burst"`
	AuthURL        string  `mapstructure:"auth_url"`
	B2CURL         string  `mapstructure:"b2c_url"`
	B2BURL         string  `mapstructure:"b2b_url"`
	AltURL         string  `mapstructure:"alt_url"`
	AppConfigURL   string  `mapstructure:"app_config_url"`
}

func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variables of the add-on.
var envBindings = map[string][]string{
	"smartmeter.username":      {"WNSM_USERNAME"},
	"smartmeter.password":      {"WNSM_PASSWORD"},
	"smartmeter.zaehlpunkt":    {"WNSM_ZP", "ZP"},
	"smartmeter.history_days":  {"HISTORY_DAYS"},
	"smartmeter.source":        {"WNSM_SOURCE"},
	"smartmeter.value_type":    {"WNSM_VALUE_TYPE"},
	"retry.count":              {"RETRY_COUNT"},
	"retry.delay":              {"RETRY_DELAY"},
	"session.file":             {"SESSION_FILE"},
	"mqtt.host":                {"MQTT_HOST"},
	"mqtt.port":                {"MQTT_PORT"},
	"mqtt.username":            {"MQTT_USERNAME"},
	"mqtt.password":            {"MQTT_PASSWORD"},
	"mqtt.topic":               {"MQTT_TOPIC"},
	"schedule.update_interval": {"UPDATE_INTERVAL"},
	"metrics.enabled":          {"METRICS_ENABLED"},
	"metrics.listen":           {"METRICS_LISTEN"},
	"logging.level":            {"LOG_LEVEL"},
	"logging.format":           {"LOG_FORMAT"},
	"logging.debug":            {"DEBUG"},
	"options_file":             {"WNSM_OPTIONS_FILE"},
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file at path (skipped when path is empty), the add-on
// options.json and environment variables. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if path != "" {
		if err := mergeYAML(v, path); err != nil {
			return nil, err
		}
	}

	if err := mergeOptions(v, v.GetString("options_file")); err != nil {
		return nil, err
	}

	if isTruthy(v.GetString("logging.debug")) {
		v.Set("logging.level", "debug")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// mergeYAML reads a YAML file, expands environment variables in it and
// merges it over the defaults.
func mergeYAML(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal raw config: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	v.SetConfigType("yaml")
	if err := v.MergeConfig(strings.NewReader(expandedData)); err != nil {
		return fmt.Errorf("failed to merge config file: %w", err)
	}
	return nil
}

// mergeOptions merges the Home Assistant add-on options. They use the same
// names as the environment variables, e.g. {"WNSM_USERNAME": "..."}. A
// missing file is not an error.
func mergeOptions(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read options file: %w", err)
	}

	var opts map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&opts); err != nil {
		return fmt.Errorf("failed to parse options file %s: %w", path, err)
	}

	nested := map[string]interface{}{}
	for key, envs := range envBindings {
		for _, env := range envs {
			value, ok := opts[env]
			if !ok || value == nil || value == "" {
				continue
			}
			if n, isNumber := value.(json.Number); isNumber {
				value = n.String()
			}
			setNested(nested, key, value)
			break
		}
	}
	return v.MergeConfigMap(nested)
}

func setNested(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			m[p] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("smartmeter.history_days", 1)
	v.SetDefault("smartmeter.source", "bewegungsdaten")
	v.SetDefault("smartmeter.value_type", "QUARTER_HOUR")

	v.SetDefault("retry.count", 3)
	v.SetDefault("retry.delay", 5)

	v.SetDefault("session.file", "/data/wnsm_session.json")

	v.SetDefault("mqtt.host", "core-mosquitto")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "smartmeter/energy/state")
	v.SetDefault("mqtt.client_id", "wnsm-sync")
	v.SetDefault("mqtt.timeout", 10)

	v.SetDefault("schedule.update_interval", 86400)
	v.SetDefault("schedule.run_on_start", true)

	v.SetDefault("api.timeout", 60)
	v.SetDefault("api.rate_limit", 2.0)
	v.SetDefault("api.burst", 4)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9108")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("options_file", DefaultOptionsFile)
}

// Validate reports every missing required value and out-of-range setting.
func (c *Config) Validate() error {
	var problems []string

	if c.Smartmeter.Username == "" {
		problems = append(problems, "missing required configuration: smartmeter.username (WNSM_USERNAME)")
	}
	if c.Smartmeter.Password == "" {
		problems = append(problems, "missing required configuration: smartmeter.password (WNSM_PASSWORD)")
	}
	if c.Smartmeter.Zaehlpunkt == "" {
		problems = append(problems, "missing required configuration: smartmeter.zaehlpunkt (WNSM_ZP)")
	}

	if c.Smartmeter.HistoryDays < 1 {
		problems = append(problems, fmt.Sprintf("smartmeter.history_days must be at least 1, got %d", c.Smartmeter.HistoryDays))
	}
	switch c.Smartmeter.Source {
	case "bewegungsdaten", "messwerte":
	default:
		problems = append(problems, fmt.Sprintf("smartmeter.source must be bewegungsdaten or messwerte, got %q", c.Smartmeter.Source))
	}
	switch c.Smartmeter.ValueType {
	case "QUARTER_HOUR", "DAY", "METER_READ":
	default:
		problems = append(problems, fmt.Sprintf("smartmeter.value_type must be QUARTER_HOUR, DAY or METER_READ, got %q", c.Smartmeter.ValueType))
	}

	if c.Retry.Count < 1 {
		problems = append(problems, fmt.Sprintf("retry.count must be at least 1, got %d", c.Retry.Count))
	}
	if c.Retry.DelaySeconds < 0 {
		problems = append(problems, fmt.Sprintf("retry.delay must not be negative, got %d", c.Retry.DelaySeconds))
	}
	if c.Session.File == "" {
		problems = append(problems, "session.file must not be empty")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("mqtt.port out of range: %d", c.MQTT.Port))
	}
	if c.MQTT.Topic == "" {
		problems = append(problems, "mqtt.topic must not be empty")
	}
	if c.Schedule.UpdateIntervalSeconds < 1 {
		problems = append(problems, fmt.Sprintf("schedule.update_interval must be at least 1 second, got %d", c.Schedule.UpdateIntervalSeconds))
	}
	if c.API.TimeoutSeconds < 1 {
		problems = append(problems, fmt.Sprintf("api.timeout must be at least 1 second, got %d", c.API.TimeoutSeconds))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
