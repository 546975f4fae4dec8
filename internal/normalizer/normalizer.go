// Package normalizer turns raw interval readings into the cumulative series
// published to Home Assistant.
//
// Quantities are accumulated as exact decimals; the float64 fields of a
// StatisticPoint are derived from the exact values only at the end.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/models"
	"github.com/wnsm/wnsm-sync/internal/smartmeter"
)

const precision = 34

// naiveLayout is accepted for timestamps without a zone, which are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

type Normalizer struct {
	logger logrus.FieldLogger
	ctx    *apd.Context
}

func New(logger logrus.FieldLogger) *Normalizer {
	return &Normalizer{
		logger: logger.WithField("component", "normalizer"),
		ctx:    apd.BaseContext.WithPrecision(precision),
	}
}

// Normalize walks records once, in the given order, and emits one point per
// usable record. The running total starts at zero on every call. Records
// with a missing or unparsable timestamp or quantity are logged and skipped.
func (n *Normalizer) Normalize(records []models.RawReading) []models.StatisticPoint {
	points := make([]models.StatisticPoint, 0, len(records))

	var total apd.Decimal
	for i, rec := range records {
		start, err := parseTimestamp(rec.Start)
		if err != nil {
			n.logger.WithError(err).WithField("index", i).Warn("Skipping reading with invalid timestamp")
			continue
		}

		quantity, err := parseQuantity(rec.Quantity)
		if err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"index": i,
				"start": rec.Start,
			}).Warn("Skipping reading with invalid quantity")
			continue
		}

		var sum apd.Decimal
		if _, err := n.ctx.Add(&sum, &total, quantity); err != nil {
			n.logger.WithError(err).WithField("index", i).Warn("Skipping reading that overflows the running total")
			continue
		}
		total.Set(&sum)

		points = append(points, models.StatisticPoint{
			Start:        start.UTC().Format(time.RFC3339),
			State:        toFloat(quantity),
			Sum:          toFloat(&total),
			StateDecimal: quantity.Text('f'),
			SumDecimal:   total.Text('f'),
		})
	}

	if skipped := len(records) - len(points); skipped > 0 {
		n.logger.WithFields(logrus.Fields{
			"records": len(records),
			"skipped": skipped,
		}).Info("Normalized readings with skipped entries")
	}
	return points
}

// FromBewegungsdaten returns the readings of a bewegungsdaten response.
func FromBewegungsdaten(data *smartmeter.Bewegungsdaten) []models.RawReading {
	if data == nil {
		return nil
	}
	return data.Values
}

// FromMesswerte maps the readings of a register. Values in WH are converted
// to kWh.
func FromMesswerte(zw *smartmeter.Zaehlwerk) []models.RawReading {
	if zw == nil {
		return nil
	}

	readings := make([]models.RawReading, 0, len(zw.Messwerte))
	for _, mw := range zw.Messwerte {
		quantity := mw.Messwert
		if d, err := inKWh(mw.Messwert, zw.Einheit); err == nil {
			quantity = json.RawMessage(d.Text('f'))
		}
		readings = append(readings, models.RawReading{
			Start:     mw.ZeitVon,
			End:       mw.ZeitBis,
			Quantity:  quantity,
			Estimated: estimated(mw),
		})
	}
	return readings
}

// FromMeterReads maps a register of absolute counter readings (METER_READ)
// to the consumption between consecutive readings. Each delta starts at the
// earlier reading. Unparsable readings are skipped, and a reading below its
// predecessor starts a new baseline, as after a meter replacement.
func FromMeterReads(zw *smartmeter.Zaehlwerk) []models.RawReading {
	if zw == nil {
		return nil
	}

	var (
		prev     *apd.Decimal
		prevFrom string
		prevEst  bool
	)
	readings := make([]models.RawReading, 0, len(zw.Messwerte))
	for _, mw := range zw.Messwerte {
		current, err := inKWh(mw.Messwert, zw.Einheit)
		if err != nil {
			continue
		}
		if prev != nil {
			var delta apd.Decimal
			if _, err := apd.BaseContext.WithPrecision(precision).Sub(&delta, current, prev); err == nil && !delta.Negative {
				delta.Reduce(&delta)
				readings = append(readings, models.RawReading{
					Start:     prevFrom,
					End:       mw.ZeitVon,
					Quantity:  json.RawMessage(delta.Text('f')),
					Estimated: prevEst || estimated(mw),
				})
			}
		}
		prev, prevFrom, prevEst = current, mw.ZeitVon, estimated(mw)
	}
	return readings
}

// inKWh parses a register value, converting WH to kWh.
func inKWh(raw json.RawMessage, unit string) (*apd.Decimal, error) {
	d, err := parseQuantity(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(unit, "WH") {
		return d, nil
	}
	var kwh apd.Decimal
	if _, err := apd.BaseContext.WithPrecision(precision).Quo(&kwh, d, apd.New(1000, 0)); err != nil {
		return nil, err
	}
	kwh.Reduce(&kwh)
	return &kwh, nil
}

func estimated(mw smartmeter.Messwert) bool {
	return mw.Qualitaet != "" && mw.Qualitaet != "VAL"
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
	}
	return t, nil
}

// parseQuantity accepts a JSON number or a numeric JSON string.
func parseQuantity(raw json.RawMessage) (*apd.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("missing quantity")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("unparsable quantity %s", raw)
		}
		text = strings.TrimSpace(text)
	}

	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("unparsable quantity %q", text)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("non-finite quantity %q", text)
	}
	return d, nil
}

func toFloat(d *apd.Decimal) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
