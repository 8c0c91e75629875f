package sourcetable

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseEntry parses a single STR line from a remote sourcetable. Records
// shorter than the name-through-longitude prefix are rejected; anything past
// the bitrate field is kept verbatim in Misc so unknown caster extensions
// survive a round trip.
func ParseEntry(line string) (Entry, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ";")
	if fields[0] != "STR" {
		return Entry{}, errors.Errorf("not an STR record: %q", line)
	}
	if len(fields) < 11 {
		return Entry{}, errors.Errorf("STR record has %d fields, need at least 11", len(fields))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[9]), 64)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "bad latitude in STR record %q", fields[1])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[10]), 64)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "bad longitude in STR record %q", fields[1])
	}
	entry := Entry{
		Name:          fields[1],
		Identifier:    fields[2],
		Format:        fields[3],
		FormatDetails: fields[4],
		Carrier:       fields[5],
		NavSystem:     fields[6],
		Network:       fields[7],
		Country:       fields[8],
		Lat:           lat,
		Lon:           lon,
	}
	entry.NMEA = field(fields, 11)
	entry.Solution = field(fields, 12)
	entry.Generator = field(fields, 13)
	entry.Compression = field(fields, 14)
	entry.Authentication = field(fields, 15)
	entry.Fee = field(fields, 16)
	entry.Bitrate = field(fields, 17)
	if len(fields) > 18 {
		entry.Misc = strings.Join(fields[18:], ";")
	}
	return entry, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// Parse scans a sourcetable body for STR records, stopping at
// ENDSOURCETABLE. CAS and NET records, blank lines, and malformed STR lines
// are skipped; remote tables are messy and a probe should report what it can.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == EndOfTable {
			break
		}
		if !strings.HasPrefix(line, "STR;") {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading sourcetable")
	}
	return entries, nil
}
