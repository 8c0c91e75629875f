// Package gnss formats and parses the NMEA GGA sentences exchanged over
// NTRIP connections: outbound position reports to upstream casters and
// inbound rover position updates.
package gnss

import (
	"fmt"
	"math"
	"time"
)

// FormatGGA renders a single GGA sentence for the given UTC time, position
// in signed decimal degrees, and altitude in metres. The sentence reports a
// single-point fix with eight satellites and ends with the NMEA checksum
// and CRLF, ready to be written to a caster socket.
func FormatGGA(t time.Time, lat, lon, alt float64) string {
	latStr, south := formatCoordinate(lat, 2)
	lonStr, west := formatCoordinate(lon, 3)
	latHemi := "N"
	if south {
		latHemi = "S"
	}
	lonHemi := "E"
	if west {
		lonHemi = "W"
	}
	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,1.0,%.1f,M,0.0,M,,",
		t.UTC().Format("150405.00"), latStr, latHemi, lonStr, lonHemi, alt)
	return fmt.Sprintf("$%s*%02X\r\n", body, Checksum(body))
}

// formatCoordinate converts signed decimal degrees into the NMEA
// DDMM.mmmmm form, reporting whether the value was negative. The sign is
// taken from the float's sign bit so that a negative zero latitude still
// lands in the southern hemisphere.
func formatCoordinate(deg float64, degDigits int) (string, bool) {
	neg := math.Signbit(deg)
	abs := math.Abs(deg)
	d := int(abs)
	minutes := (abs - float64(d)) * 60
	// %08.5f would print 60.00000 for minutes that round up; carry into
	// the degrees field instead.
	if minutes >= 59.999995 {
		minutes = 0
		d++
	}
	return fmt.Sprintf("%0*d%08.5f", degDigits, d, minutes), neg
}

// Checksum XORs every byte of the sentence body, i.e. everything between
// the leading $ and the trailing * exclusive.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}
