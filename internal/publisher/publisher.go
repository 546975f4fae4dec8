// Package publisher delivers the cumulative series to Home Assistant over
// MQTT: one discovery message describing the sensor, one retained message
// per point and the latest point on the state topic.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/models"
)

// Publisher sends a JSON-serializable payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, retain bool) error
}

// DeviceInfo is the device block of a discovery message.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// Discovery is the Home Assistant MQTT discovery payload of the sensor.
type Discovery struct {
	Name              string     `json:"name"`
	StateTopic        string     `json:"state_topic"`
	UnitOfMeasurement string     `json:"unit_of_measurement"`
	DeviceClass       string     `json:"device_class"`
	StateClass        string     `json:"state_class"`
	UniqueID          string     `json:"unique_id"`
	ValueTemplate     string     `json:"value_template"`
	TimestampTemplate string     `json:"timestamp_template"`
	Device            DeviceInfo `json:"device"`
}

// DeviceID derives the device id from a metering point: lower case with
// every "0" removed.
func DeviceID(zaehlpunkt string) string {
	return strings.ReplaceAll(strings.ToLower(zaehlpunkt), "0", "")
}

func DiscoveryTopic(zaehlpunkt string) string {
	return fmt.Sprintf("homeassistant/sensor/wnsm_sync_%s/config", DeviceID(zaehlpunkt))
}

func NewDiscovery(zaehlpunkt, stateTopic string) Discovery {
	id := DeviceID(zaehlpunkt)
	return Discovery{
		Name:              "Wiener Netze Smartmeter Sync",
		StateTopic:        stateTopic,
		UnitOfMeasurement: "kWh",
		DeviceClass:       "energy",
		StateClass:        "total_increasing",
		UniqueID:          "wnsm_sync_energy_sensor_" + id,
		ValueTemplate:     "{{ value_json.value }}",
		TimestampTemplate: "{{ value_json.timestamp }}",
		Device: DeviceInfo{
			Identifiers:  []string{"wnsm_sync_" + id},
			Name:         "Wiener Netze Smart Meter",
			Manufacturer: "Wiener Netze",
			Model:        "Smart Meter",
		},
	}
}

// PointTopic is the per-point topic, e.g. smartmeter/energy/state/2025-05-28T00:15.
func PointTopic(stateTopic, start string) string {
	if len(start) > 16 {
		start = start[:16]
	}
	return stateTopic + "/" + start
}

// Statistics publishes series for one state topic.
type Statistics struct {
	pub    Publisher
	topic  string
	logger logrus.FieldLogger
}

func NewStatistics(pub Publisher, stateTopic string, logger logrus.FieldLogger) *Statistics {
	return &Statistics{
		pub:    pub,
		topic:  stateTopic,
		logger: logger.WithField("component", "publisher"),
	}
}

// PublishDiscovery announces the sensor of zaehlpunkt.
func (s *Statistics) PublishDiscovery(ctx context.Context, zaehlpunkt string) error {
	topic := DiscoveryTopic(zaehlpunkt)
	if err := s.pub.Publish(ctx, topic, NewDiscovery(zaehlpunkt, s.topic), true); err != nil {
		return fmt.Errorf("failed to publish discovery: %w", err)
	}
	s.logger.WithField("topic", topic).Info("MQTT discovery configuration published")
	return nil
}

// PublishPoints sends every point to its own retained topic and the last one
// to the state topic. A failed message does not stop the others; the number
// of delivered messages is returned together with all failures.
func (s *Statistics) PublishPoints(ctx context.Context, points []models.StatisticPoint) (int, error) {
	if len(points) == 0 {
		s.logger.Warn("No statistics to publish")
		return 0, nil
	}

	s.logger.WithField("points", len(points)).Info("Publishing statistics to MQTT")

	var (
		errs      []error
		delivered int
	)
	for _, p := range points {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		topic := PointTopic(s.topic, p.Start)
		if err := s.pub.Publish(ctx, topic, p.Payload(), true); err != nil {
			s.logger.WithError(err).WithField("topic", topic).Error("Failed to publish point")
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	latest := points[len(points)-1]
	if err := s.pub.Publish(ctx, s.topic, latest.Payload(), true); err != nil {
		s.logger.WithError(err).WithField("topic", s.topic).Error("Failed to publish latest value")
		errs = append(errs, err)
	} else {
		delivered++
	}

	if len(errs) > 0 {
		return delivered, fmt.Errorf("%d of %d messages failed: %w", len(errs), len(points)+1, errors.Join(errs...))
	}

	s.logger.WithFields(logrus.Fields{
		"latest": latest.Start,
		"state":  latest.StateDecimal,
		"sum":    latest.SumDecimal,
	}).Info("All entries published to MQTT")
	return delivered, nil
}
