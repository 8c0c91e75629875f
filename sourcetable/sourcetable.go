// Package sourcetable renders and parses NTRIP sourcetables: the STR/CAS/NET
// records a caster serves at its root path, and the inverse parsing used when
// probing a remote caster for its mountpoints.
package sourcetable

import (
	"bytes"
	"fmt"
	"strings"
)

// EndOfTable terminates every NTRIP sourcetable body.
const EndOfTable = "ENDSOURCETABLE"

// Defaults applied to rendered STR records when the station metadata leaves
// a field empty.
const (
	DefaultFormat        = "RTCM 3.2"
	DefaultFormatDetails = "1004(1),1005/1006(5),1019(5),1020(5)"
	DefaultCarrier       = "2"
	DefaultNavSystem     = "GPS+GLO+GAL+BDS"
	DefaultNetwork       = "CORS"
	DefaultGenerator     = "NTRIP-Relay/1.0"
	DefaultCompression   = "none"
	DefaultBitrate       = "2400"
)

// Entry is one STR record. Rendered entries fill unset fields from the
// defaults above; parsed entries carry whatever the remote caster sent,
// with any trailing unknown fields preserved in Misc.
type Entry struct {
	Name           string
	Identifier     string
	Format         string
	FormatDetails  string
	Carrier        string
	NavSystem      string
	Network        string
	Country        string
	Lat            float64
	Lon            float64
	NMEA           string
	Solution       string
	Generator      string
	Compression    string
	Authentication string
	Fee            string
	Bitrate        string
	Misc           string
}

// String renders the entry as a semicolon-joined STR line without a
// trailing CRLF.
func (e Entry) String() string {
	fields := []string{
		"STR",
		e.Name,
		orDefault(e.Identifier, e.Name),
		orDefault(e.Format, DefaultFormat),
		orDefault(e.FormatDetails, DefaultFormatDetails),
		orDefault(e.Carrier, DefaultCarrier),
		orDefault(e.NavSystem, DefaultNavSystem),
		orDefault(e.Network, DefaultNetwork),
		e.Country,
		fmt.Sprintf("%.4f", e.Lat),
		fmt.Sprintf("%.4f", e.Lon),
		orDefault(e.NMEA, "1"),
		orDefault(e.Solution, "1"),
		orDefault(e.Generator, DefaultGenerator),
		orDefault(e.Compression, DefaultCompression),
		orDefault(e.Authentication, "B"),
		orDefault(e.Fee, "N"),
		orDefault(e.Bitrate, DefaultBitrate),
	}
	if e.Misc != "" {
		fields = append(fields, e.Misc)
	}
	return strings.Join(fields, ";")
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

// Table is a caster's full sourcetable: its STR entries plus the metadata
// rendered into the CAS and NET records.
type Table struct {
	Host       string
	Port       int
	Identifier string
	Operator   string
	Country    string
	Lat        float64
	Lon        float64
	Entries    []Entry
}

// Render produces the complete response to a sourcetable request, headers
// included. The body ends with ENDSOURCETABLE and the connection is expected
// to close after the write.
func (t Table) Render() []byte {
	var body strings.Builder
	for _, entry := range t.Entries {
		body.WriteString(entry.String())
		body.WriteString("\r\n")
	}
	fmt.Fprintf(&body, "CAS;%s;%d;%s;%s;0;%s;%.4f;%.4f\r\n",
		t.Host, t.Port, orDefault(t.Identifier, t.Operator), t.Operator, t.Country, t.Lat, t.Lon)
	fmt.Fprintf(&body, "NET;%s;%s;B;N;;;;\r\n", DefaultNetwork, t.Operator)
	body.WriteString(EndOfTable)
	body.WriteString("\r\n")

	var resp bytes.Buffer
	resp.WriteString("SOURCETABLE 200 OK\r\n")
	fmt.Fprintf(&resp, "Server: %s\r\n", DefaultGenerator)
	resp.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&resp, "Content-Length: %d\r\n", body.Len())
	resp.WriteString("Connection: close\r\n")
	resp.WriteString("\r\n")
	resp.WriteString(body.String())
	return resp.Bytes()
}
