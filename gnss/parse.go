package gnss

import (
	"strings"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/pkg/errors"
)

// Position is a rover fix extracted from a GGA sentence.
type Position struct {
	Lat      float64
	Lon      float64
	Altitude float64
	// Quality is the raw GGA fix quality field; see FixQualityLabel.
	Quality string
}

// ParseGGA parses one GGA sentence into a Position. Any talker accepted by
// the NMEA library works, so both $GPGGA and $GNGGA rovers are supported.
// The checksum is verified; malformed sentences return an error and callers
// are expected to drop them.
func ParseGGA(line string) (*Position, error) {
	s, err := nmea.Parse(strings.TrimSpace(line))
	if err != nil {
		return nil, errors.Wrap(err, "invalid NMEA sentence")
	}
	gga, ok := s.(nmea.GGA)
	if !ok {
		return nil, errors.Errorf("expected GGA sentence, got %s", s.DataType())
	}
	return &Position{
		Lat:      gga.Latitude,
		Lon:      gga.Longitude,
		Altitude: gga.Altitude,
		Quality:  gga.FixQuality,
	}, nil
}

// FixQualityLabel maps a GGA fix quality field to the label reported on
// rover sessions.
func FixQualityLabel(quality string) string {
	switch quality {
	case nmea.GPS:
		return "Single"
	case nmea.DGPS:
		return "DGPS"
	case nmea.RTK:
		return "RTK Fixed"
	case nmea.FRTK:
		return "RTK Float"
	default:
		return "N/A"
	}
}
