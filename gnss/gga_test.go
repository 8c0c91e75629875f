package gnss

import (
	"math"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

var ggaTime = time.Date(2024, 5, 14, 12, 35, 19, 0, time.UTC)

func TestFormatGGA(t *testing.T) {
	t.Run("northeast", func(t *testing.T) {
		got := FormatGGA(ggaTime, 21.0285, 105.8542, 100)
		test.That(t, got, test.ShouldEqual,
			"$GPGGA,123519.00,2101.71000,N,10551.25200,E,1,08,1.0,100.0,M,0.0,M,,*58\r\n")
	})

	t.Run("southwest", func(t *testing.T) {
		got := FormatGGA(ggaTime, -33.8688, -151.2093, 25.3)
		test.That(t, got, test.ShouldEqual,
			"$GPGGA,123519.00,3352.12800,S,15112.55800,W,1,08,1.0,25.3,M,0.0,M,,*61\r\n")
	})

	t.Run("zero latitude south", func(t *testing.T) {
		got := FormatGGA(ggaTime, math.Copysign(0, -1), 106, 50)
		test.That(t, got, test.ShouldEqual,
			"$GPGGA,123519.00,0000.00000,S,10600.00000,E,1,08,1.0,50.0,M,0.0,M,,*77\r\n")
	})

	t.Run("minutes carry into degrees", func(t *testing.T) {
		got := FormatGGA(ggaTime, 20.99999999, 106, 0)
		test.That(t, got, test.ShouldContainSubstring, ",2100.00000,N,")
	})
}

func TestChecksum(t *testing.T) {
	test.That(t, Checksum("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
		test.ShouldEqual, byte(0x47))
}

func TestParseGGA(t *testing.T) {
	t.Run("canonical", func(t *testing.T) {
		pos, err := ParseGGA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos.Lat, test.ShouldAlmostEqual, 48.1173, 1e-9)
		test.That(t, pos.Lon, test.ShouldAlmostEqual, 11.5166667, 1e-6)
		test.That(t, pos.Altitude, test.ShouldAlmostEqual, 545.4, 1e-9)
		test.That(t, pos.Quality, test.ShouldEqual, "1")
	})

	t.Run("GN talker", func(t *testing.T) {
		pos, err := ParseGGA("$GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*59")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos.Lat, test.ShouldAlmostEqual, 48.1173, 1e-9)
	})

	t.Run("trailing CRLF tolerated", func(t *testing.T) {
		_, err := ParseGGA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n")
		test.That(t, err, test.ShouldBeNil)
	})

	t.Run("bad checksum", func(t *testing.T) {
		_, err := ParseGGA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*48")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("not a GGA sentence", func(t *testing.T) {
		_, err := ParseGGA("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "expected GGA")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseGGA("not nmea at all")
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		lat, lon float64
	}{
		{21.0285, 105.8542},
		{-33.8688, 151.2093},
		{0.5, -0.5},
		{89.9999, 179.9999},
	} {
		sentence := FormatGGA(ggaTime, tc.lat, tc.lon, 100)
		pos, err := ParseGGA(strings.TrimSuffix(sentence, "\r\n"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos.Lat, test.ShouldAlmostEqual, tc.lat, 1e-5)
		test.That(t, pos.Lon, test.ShouldAlmostEqual, tc.lon, 1e-5)
	}
}

func TestFixQualityLabel(t *testing.T) {
	for _, tc := range []struct {
		quality string
		label   string
	}{
		{"1", "Single"},
		{"2", "DGPS"},
		{"4", "RTK Fixed"},
		{"5", "RTK Float"},
		{"0", "N/A"},
		{"", "N/A"},
	} {
		test.That(t, FixQualityLabel(tc.quality), test.ShouldEqual, tc.label)
	}
}
