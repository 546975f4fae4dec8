package smartmeter

import (
	"fmt"
	"time"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

const (
	DefaultB2CURL       = "https://api.wstw.at/gateway/WN_SMART_METER_PORTAL_API_B2C/1.0/"
	DefaultB2BURL       = "https://api.wstw.at/gateway/WN_SMART_METER_PORTAL_API_B2B/1.0/"
	DefaultAltURL       = "https://service.wienernetze.at/sm/api/"
	DefaultAppConfigURL = "https://smartmeter-web.wienernetze.at/assets/app-config.json"

	DefaultTimeout = 60 * time.Second
)

// Base selects one of the vendor API base URLs.
type Base int

const (
	BaseB2C Base = iota
	BaseB2B
	BaseAlt
)

func (b Base) String() string {
	switch b {
	case BaseB2C:
		return "b2c"
	case BaseB2B:
		return "b2b"
	case BaseAlt:
		return "alt"
	default:
		return fmt.Sprintf("base(%d)", int(b))
	}
}

// Endpoints holds the base URLs. B2C and B2B may be replaced at login when
// the portal's app config announces different ones.
type Endpoints struct {
	B2C       string
	B2B       string
	Alt       string
	AppConfig string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		B2C:       DefaultB2CURL,
		B2B:       DefaultB2BURL,
		Alt:       DefaultAltURL,
		AppConfig: DefaultAppConfigURL,
	}
}

func (e Endpoints) url(b Base) string {
	switch b {
	case BaseB2B:
		return e.B2B
	case BaseAlt:
		return e.Alt
	default:
		return e.B2C
	}
}

// InstallationType tells whether a metering point consumes or feeds in.
type InstallationType string

const (
	Consuming InstallationType = "CONSUMING"
	Feeding   InstallationType = "FEEDING"
)

// ParseInstallationType maps the vendor's anlage.typ to an InstallationType.
func ParseInstallationType(typ string) (InstallationType, error) {
	switch typ {
	case "TAGSTROM", "NACHTSTROM", "STROM":
		return Consuming, nil
	case "BEZUG":
		return Feeding, nil
	default:
		return "", apierr.NewQueryError("zaehlpunkte", fmt.Sprintf("unknown installation type %q", typ), nil)
	}
}

// ValueType is the wertetyp of a historical query.
type ValueType string

const (
	MeterRead   ValueType = "METER_READ"
	Day         ValueType = "DAY"
	QuarterHour ValueType = "QUARTER_HOUR"
)

// Resolution is the day-view resolution of the verbrauch endpoint.
type Resolution string

const (
	ResolutionHour        Resolution = "HOUR"
	ResolutionQuarterHour Resolution = "QUARTER-HOUR"
)

// Role is the reporting role of a bewegungsdaten query.
type Role string

const (
	DailyConsuming         Role = "V001"
	QuarterHourlyConsuming Role = "V002"
	DailyFeeding           Role = "E001"
	QuarterHourlyFeeding   Role = "E002"
)

// RoleFor resolves the role from installation and value type.
func RoleFor(installation InstallationType, vt ValueType) Role {
	if installation == Feeding {
		if vt == Day {
			return DailyFeeding
		}
		return QuarterHourlyFeeding
	}
	if vt == Day {
		return DailyConsuming
	}
	return QuarterHourlyConsuming
}

// ValidOBISCodes lists the registers accepted from the messwerte endpoint.
var ValidOBISCodes = []string{
	"1-1:1.8.0",
	"1-1:1.9.0",
	"1-1:2.8.0",
	"1-1:2.9.0",
}

func isValidOBIS(code string) bool {
	for _, c := range ValidOBISCodes {
		if c == code {
			return true
		}
	}
	return false
}
