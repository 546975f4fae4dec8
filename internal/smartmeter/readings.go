package smartmeter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/apierr"
	"github.com/wnsm/wnsm-sync/internal/models"
)

// Messwert is one reading of a register.
type Messwert struct {
	Messwert  json.RawMessage `json:"messwert"`
	ZeitVon   string          `json:"zeitVon"`
	ZeitBis   string          `json:"zeitBis"`
	Qualitaet string          `json:"qualitaet"`
}

// Zaehlwerk is a register of a metering point, identified by its OBIS code.
type Zaehlwerk struct {
	ObisCode  string     `json:"obisCode"`
	Einheit   string     `json:"einheit"`
	Messwerte []Messwert `json:"messwerte"`
}

type messwerteResponse struct {
	Zaehlpunkt string      `json:"zaehlpunkt"`
	Zaehlwerke []Zaehlwerk `json:"zaehlwerke"`
}

// Descriptor identifies what a bewegungsdaten response contains.
type Descriptor struct {
	Geschaeftspartner string `json:"geschaeftspartnernummer,omitempty"`
	Zaehlpunktnummer  string `json:"zaehlpunktnummer"`
	Rolle             string `json:"rolle"`
	Aggregat          string `json:"aggregat,omitempty"`
	Granularitaet     string `json:"granularitaet,omitempty"`
	Einheit           string `json:"einheit,omitempty"`
}

// Bewegungsdaten is the interval usage of one metering point.
type Bewegungsdaten struct {
	Descriptor Descriptor          `json:"descriptor"`
	Values     []models.RawReading `json:"values"`
}

// HistoricalData queries meter-read data of the B2B API and returns the
// first register with a valid OBIS code. A zero window means the last three
// years up to today.
func (c *Client) HistoricalData(ctx context.Context, id string, window models.DateWindow, vt ValueType) (*Zaehlwerk, error) {
	const query = "messwerte"

	mp, err := c.ResolveMeteringPoint(ctx, id)
	if err != nil {
		return nil, err
	}

	window, err = c.window(query, window)
	if err != nil {
		return nil, err
	}
	if vt == "" {
		vt = MeterRead
	}

	raw, err := c.Call(ctx, Request{
		Endpoint: fmt.Sprintf("zaehlpunkte/%s/%s/messwerte", mp.CustomerID, mp.ID),
		Base:     BaseB2B,
		Query: url.Values{
			"datumVon": {window.FromString()},
			"datumBis": {window.UntilString()},
			"wertetyp": {string(vt)},
		},
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("historical data query failed: %w", err)
	}

	var data messwerteResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apierr.NewConnectionError("decode messwerte", err)
	}

	if data.Zaehlpunkt != mp.ID {
		c.logger.WithField("returned", data.Zaehlpunkt).Debug("Unexpected zaehlpunkt in messwerte response")
		return nil, apierr.NewQueryError(query, "", apierr.ErrMeteringPointMismatch)
	}
	if len(data.Zaehlwerke) == 0 {
		return nil, apierr.NewQueryError(query, "returned data does not contain any zaehlwerke or is empty", nil)
	}

	return SelectValidOBIS(data.Zaehlwerke, c.logger)
}

// SelectValidOBIS returns the first register whose OBIS code is in
// ValidOBISCodes.
func SelectValidOBIS(zaehlwerke []Zaehlwerk, logger logrus.FieldLogger) (*Zaehlwerk, error) {
	const query = "messwerte"

	if len(zaehlwerke) == 0 {
		return nil, apierr.NewQueryError(query, "empty zaehlwerke data provided", nil)
	}

	codes := make([]string, 0, len(zaehlwerke))
	for _, zw := range zaehlwerke {
		if zw.ObisCode != "" {
			codes = append(codes, zw.ObisCode)
		}
	}
	if len(codes) == 0 {
		return nil, apierr.NewQueryError(query, "no OBIS codes found in the provided data", apierr.ErrNoValidOBIS)
	}

	var valid []int
	for i, zw := range zaehlwerke {
		if isValidOBIS(zw.ObisCode) {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return nil, apierr.NewQueryError(query, "OBIS codes in data: "+strings.Join(codes, ", "), apierr.ErrNoValidOBIS)
	}

	for _, i := range valid {
		if len(zaehlwerke[i].Messwerte) == 0 {
			logger.WithField("obis_code", zaehlwerke[i].ObisCode).
				Debug("Valid OBIS code has empty or missing messwerte, data is probably not available yet")
		}
	}

	if len(valid) > 1 {
		found := make([]string, 0, len(valid))
		for _, i := range valid {
			found = append(found, zaehlwerke[i].ObisCode)
		}
		logger.WithField("obis_codes", found).Warn("Multiple valid OBIS codes found, using the first one")
	}

	selected := zaehlwerke[valid[0]]
	return &selected, nil
}

// Bewegungsdaten queries interval usage. The role is derived from the
// metering point's installation type and vt. An empty aggregation means
// NONE; a zero window means the last three years up to today.
func (c *Client) Bewegungsdaten(ctx context.Context, id string, window models.DateWindow, vt ValueType, aggregation string) (*Bewegungsdaten, error) {
	const query = "bewegungsdaten"

	mp, err := c.ResolveMeteringPoint(ctx, id)
	if err != nil {
		return nil, err
	}

	window, err = c.window(query, window)
	if err != nil {
		return nil, err
	}
	if vt == "" {
		vt = QuarterHour
	}
	if aggregation == "" {
		aggregation = "NONE"
	}
	role := RoleFor(mp.Installation, vt)

	c.logger.WithFields(logrus.Fields{
		"zaehlpunkt": mp.ID,
		"rolle":      string(role),
		"window":     window.String(),
	}).Info("Querying bewegungsdaten")

	raw, err := c.Call(ctx, Request{
		Endpoint: "user/messwerte/bewegungsdaten",
		Base:     BaseAlt,
		Query: url.Values{
			"geschaeftspartner": {mp.CustomerID},
			"zaehlpunktnummer":  {mp.ID},
			"rolle":             {string(role)},
			"zeitpunktVon":      {window.FromString() + "T00:00:00.000Z"},
			"zeitpunktBis":      {window.UntilString() + "T23:59:59.999Z"},
			"aggregat":          {aggregation},
		},
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("bewegungsdaten query failed: %w", err)
	}

	var data Bewegungsdaten
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apierr.NewConnectionError("decode bewegungsdaten", err)
	}

	if data.Descriptor.Zaehlpunktnummer != mp.ID {
		c.logger.WithField("returned", data.Descriptor.Zaehlpunktnummer).Debug("Unexpected zaehlpunkt in bewegungsdaten response")
		return nil, apierr.NewQueryError(query, "", apierr.ErrMeteringPointMismatch)
	}

	return &data, nil
}

func (c *Client) window(query string, w models.DateWindow) (models.DateWindow, error) {
	if w.From.IsZero() && w.Until.IsZero() {
		w = models.BulkWindow(c.now())
	}
	if err := w.Validate(); err != nil {
		return w, apierr.NewQueryError(query, "invalid date window", err)
	}
	return w, nil
}

// Profile returns the profile of the logged-in user.
func (c *Client) Profile(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, Request{Endpoint: "user/profile", Base: BaseAlt})
}

// Consumptions returns the consumption overview.
func (c *Client) Consumptions(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, Request{Endpoint: "zaehlpunkt/consumptions"})
}

func (c *Client) BaseInformation(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, Request{Endpoint: "zaehlpunkt/baseInformation"})
}

func (c *Client) MeterReadings(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, Request{Endpoint: "zaehlpunkt/meterReadings"})
}

// Verbrauch returns the usage of the day starting at from. A zero from means
// today at midnight. Empty customerID or zaehlpunkt select the first
// metering point.
func (c *Client) Verbrauch(ctx context.Context, customerID, zaehlpunkt string, from time.Time, res Resolution) (json.RawMessage, error) {
	if from.IsZero() {
		from = midnight(c.now())
	}
	if res == "" {
		res = ResolutionHour
	}
	customerID, zaehlpunkt, err := c.orFirst(ctx, customerID, zaehlpunkt)
	if err != nil {
		return nil, err
	}

	return c.Call(ctx, Request{
		Endpoint: fmt.Sprintf("messdaten/%s/%s/verbrauch", customerID, zaehlpunkt),
		Query: url.Values{
			"dateFrom":          {apiTime(from)},
			"period":            {"DAY"},
			"accumulate":        {"false"},
			"offset":            {"0"},
			"dayViewResolution": {string(res)},
		},
	})
}

// VerbrauchRaw returns daily usage between from and to. Zero values mean
// three months back and now.
func (c *Client) VerbrauchRaw(ctx context.Context, customerID, zaehlpunkt string, from, to time.Time) (json.RawMessage, error) {
	if to.IsZero() {
		to = c.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, -3, 0)
	}
	customerID, zaehlpunkt, err := c.orFirst(ctx, customerID, zaehlpunkt)
	if err != nil {
		return nil, err
	}

	return c.Call(ctx, Request{
		Endpoint: fmt.Sprintf("messdaten/%s/%s/verbrauchRaw", customerID, zaehlpunkt),
		Query: url.Values{
			"dateFrom":    {apiTime(from)},
			"dateTo":      {apiTime(to)},
			"granularity": {"DAY"},
		},
	})
}

func (c *Client) orFirst(ctx context.Context, customerID, zaehlpunkt string) (string, string, error) {
	if customerID != "" && zaehlpunkt != "" {
		return customerID, zaehlpunkt, nil
	}
	mp, err := c.ResolveMeteringPoint(ctx, "")
	if err != nil {
		return "", "", err
	}
	return mp.CustomerID, mp.ID, nil
}

// apiTime formats t in UTC as the portal expects, e.g. 2025-05-28T00:00:00.000Z.
func apiTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

// midnight is the start of t's calendar day, as a UTC instant.
func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
