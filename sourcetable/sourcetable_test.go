package sourcetable

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

func TestEntryString(t *testing.T) {
	entry := Entry{Name: "VRS01", Country: "VNM", Lat: 21.0285, Lon: 105.8542}
	test.That(t, entry.String(), test.ShouldEqual,
		"STR;VRS01;VRS01;RTCM 3.2;1004(1),1005/1006(5),1019(5),1020(5);2;"+
			"GPS+GLO+GAL+BDS;CORS;VNM;21.0285;105.8542;1;1;NTRIP-Relay/1.0;none;B;N;2400")

	entry.Identifier = "Hanoi VRS"
	entry.Network = "VNGEO"
	test.That(t, entry.String(), test.ShouldContainSubstring, ";Hanoi VRS;")
	test.That(t, entry.String(), test.ShouldContainSubstring, ";VNGEO;")
}

func TestTableRender(t *testing.T) {
	table := Table{
		Host:       "caster.example.com",
		Port:       9001,
		Identifier: "NTRIP Relay",
		Operator:   "NTRIP Relay Service",
		Country:    "VNM",
		Lat:        21.0,
		Lon:        105.8,
	}

	t.Run("empty table", func(t *testing.T) {
		resp := string(table.Render())
		test.That(t, strings.HasPrefix(resp, "SOURCETABLE 200 OK\r\n"), test.ShouldBeTrue)
		test.That(t, resp, test.ShouldContainSubstring, "Content-Type: text/plain\r\n")
		test.That(t, resp, test.ShouldContainSubstring, "Connection: close\r\n")
		test.That(t, resp, test.ShouldNotContainSubstring, "STR;")
		test.That(t, resp, test.ShouldContainSubstring, "CAS;caster.example.com;9001;")
		test.That(t, resp, test.ShouldContainSubstring, "NET;CORS;NTRIP Relay Service;")
		test.That(t, strings.HasSuffix(resp, "ENDSOURCETABLE\r\n"), test.ShouldBeTrue)
	})

	t.Run("content length matches body", func(t *testing.T) {
		table.Entries = []Entry{{Name: "VRS01", Country: "VNM", Lat: 21.0285, Lon: 105.8542}}
		resp := table.Render()
		headerEnd := bytes.Index(resp, []byte("\r\n\r\n"))
		test.That(t, headerEnd, test.ShouldNotEqual, -1)
		body := resp[headerEnd+4:]

		var declared int
		for _, line := range strings.Split(string(resp[:headerEnd]), "\r\n") {
			if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
				n, err := strconv.Atoi(v)
				test.That(t, err, test.ShouldBeNil)
				declared = n
			}
		}
		test.That(t, declared, test.ShouldEqual, len(body))
		test.That(t, string(body), test.ShouldContainSubstring, "STR;VRS01;")
	})
}

func TestParseEntry(t *testing.T) {
	t.Run("rendered entry parses back", func(t *testing.T) {
		orig := Entry{Name: "VRS01", Country: "VNM", Lat: 21.0285, Lon: 105.8542}
		parsed, err := ParseEntry(orig.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed.Name, test.ShouldEqual, "VRS01")
		test.That(t, parsed.Identifier, test.ShouldEqual, "VRS01")
		test.That(t, parsed.Format, test.ShouldEqual, "RTCM 3.2")
		test.That(t, parsed.Country, test.ShouldEqual, "VNM")
		test.That(t, parsed.Lat, test.ShouldAlmostEqual, 21.0285, 1e-9)
		test.That(t, parsed.Lon, test.ShouldAlmostEqual, 105.8542, 1e-9)
		test.That(t, parsed.Bitrate, test.ShouldEqual, "2400")
	})

	t.Run("extra fields preserved", func(t *testing.T) {
		line := "STR;ABC;ABC;RTCM 3.2;;2;GPS;NET;DEU;50.0000;8.0000;1;1;gen;none;B;N;2400;extra;more"
		parsed, err := ParseEntry(line)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed.Misc, test.ShouldEqual, "extra;more")
	})

	t.Run("short record still yields position", func(t *testing.T) {
		parsed, err := ParseEntry("STR;ABC;ABC;RTCM 3.2;;2;GPS;NET;DEU;50.0000;8.0000")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed.Lat, test.ShouldAlmostEqual, 50.0, 1e-9)
		test.That(t, parsed.Bitrate, test.ShouldEqual, "")
	})

	t.Run("rejects non-STR", func(t *testing.T) {
		_, err := ParseEntry("CAS;host;2101;id;op;0;DEU;50.0;8.0")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("rejects truncated", func(t *testing.T) {
		_, err := ParseEntry("STR;ABC;ABC")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("rejects bad latitude", func(t *testing.T) {
		_, err := ParseEntry("STR;ABC;ABC;RTCM 3.2;;2;GPS;NET;DEU;north;8.0000")
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestParse(t *testing.T) {
	doc := strings.Join([]string{
		"CAS;caster.example.com;9001;id;op;0;VNM;21.0000;105.8000",
		"NET;CORS;op;B;N;;;;",
		"STR;VRS01;VRS01;RTCM 3.2;;2;GPS;CORS;VNM;21.0285;105.8542;1;1;gen;none;B;N;2400",
		"STR;broken;record",
		"",
		"STR;VRS02;VRS02;RTCM 3.2;;2;GPS;CORS;VNM;10.7769;106.7009;1;1;gen;none;B;N;2400",
		"ENDSOURCETABLE",
		"STR;after-end;x;RTCM 3.2;;2;GPS;CORS;VNM;1.0;1.0",
	}, "\r\n")

	entries, err := Parse(strings.NewReader(doc))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)
	test.That(t, entries[0].Name, test.ShouldEqual, "VRS01")
	test.That(t, entries[1].Name, test.ShouldEqual, "VRS02")
}

func TestRenderParseRoundTrip(t *testing.T) {
	table := Table{
		Host:     "127.0.0.1",
		Port:     9001,
		Operator: "NTRIP Relay Service",
		Country:  "VNM",
		Entries: []Entry{
			{Name: "VRS01", Country: "VNM", Lat: 21.0285, Lon: 105.8542},
			{Name: "VRS02", Country: "VNM", Lat: 10.7769, Lon: 106.7009},
		},
	}
	resp := table.Render()
	headerEnd := bytes.Index(resp, []byte("\r\n\r\n"))
	entries, err := Parse(bytes.NewReader(resp[headerEnd+4:]))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, len(table.Entries))
	for i, entry := range entries {
		test.That(t, entry.Name, test.ShouldEqual, table.Entries[i].Name)
		test.That(t, entry.Lat, test.ShouldAlmostEqual, table.Entries[i].Lat, 1e-4)
		test.That(t, entry.Lon, test.ShouldAlmostEqual, table.Entries[i].Lon, 1e-4)
	}
}
