package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/config"
)

const (
	DefaultPort    = 1883
	defaultTimeout = 10 * time.Second
)

// MQTT publishes JSON payloads to a broker
type MQTT struct {
	client  mqtt.Client
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewMQTT connects to the broker described by cfg
func NewMQTT(cfg config.MQTTConfig, logger logrus.FieldLogger) (*MQTT, error) {
	broker, err := BrokerURL(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wnsm-sync"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, token.Error())
	}

	logger.WithField("broker", broker).Info("Connected to MQTT broker")
	return newMQTT(client, timeout, logger), nil
}

func newMQTT(client mqtt.Client, timeout time.Duration, logger logrus.FieldLogger) *MQTT {
	return &MQTT{
		client:  client,
		timeout: timeout,
		logger:  logger.WithField("component", "mqtt"),
	}
}

// Publish sends payload as JSON with QoS 1.
func (m *MQTT) Publish(ctx context.Context, topic string, payload any, retain bool) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}

	token := m.client.Publish(topic, 1, retain, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// BrokerURL builds the paho broker URL from a host given as "host",
// "host:port" or "mqtt://host:port". A port in host wins over port; without
// either, 1883 is used. mqtts and ssl schemes select TLS.
func BrokerURL(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "localhost"
	}

	scheme := "tcp"
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("invalid MQTT host %q: %w", host, err)
		}
		switch u.Scheme {
		case "mqtt", "tcp":
		case "mqtts", "ssl", "tls":
			scheme = "ssl"
		default:
			return "", fmt.Errorf("unsupported MQTT scheme %q", u.Scheme)
		}
		host = u.Host
	}

	name, portStr, err := net.SplitHostPort(host)
	if err != nil {
		// no port in host
		name = host
		portStr = ""
	}
	if name == "" {
		return "", fmt.Errorf("invalid MQTT host %q", host)
	}

	if portStr == "" {
		if port <= 0 {
			port = DefaultPort
		}
		portStr = strconv.Itoa(port)
	} else if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("invalid MQTT port %q", portStr)
	}

	return scheme + "://" + net.JoinHostPort(name, portStr), nil
}
