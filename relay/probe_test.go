package relay

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/caster"
	"github.com/Nguyen15idhue/ntrip/sourcetable"
	"github.com/Nguyen15idhue/ntrip/storage"
)

func newProbeSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	logger := golog.NewTestLogger(t)
	store := storage.NewMemoryStore()
	cstr := caster.New(caster.Config{Host: "127.0.0.1"}, store, clock.New(), logger)
	supervisor := NewSupervisor(store, cstr, clock.New(), logger, opts)
	t.Cleanup(supervisor.Shutdown)
	return supervisor
}

// serveOnce accepts one connection, reads the request head, and hands the
// connection to respond.
func serveOnce(t *testing.T, respond func(conn net.Conn, request string)) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		utils.UncheckedErrorFunc(listener.Close)
	})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer utils.UncheckedErrorFunc(conn.Close)
		var head []byte
		buf := make([]byte, 1)
		for !strings.HasSuffix(string(head), "\r\n\r\n") {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			head = append(head, buf[0])
		}
		respond(conn, string(head))
	}()
	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestProbeSourceRoundTrip(t *testing.T) {
	// A table rendered by our own caster side must come back from the
	// probe with the same mountpoints and coordinates.
	table := sourcetable.Table{
		Host:     "127.0.0.1",
		Port:     9001,
		Operator: "NTRIP Relay Service",
		Country:  "VNM",
		Entries: []sourcetable.Entry{
			{Name: "VRS01", Identifier: "Hanoi VRS", Country: "VNM", Lat: 21.0285, Lon: 105.8542},
			{Name: "BASE02", Country: "VNM", Lat: 10.7626, Lon: 106.6602},
		},
	}
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		if _, err := conn.Write(table.Render()); err != nil {
			return
		}
	})

	s := newProbeSupervisor(t, Options{})
	entries, err := s.ProbeSource(context.Background(), host, port, "", "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 2)
	test.That(t, entries[0].Name, test.ShouldEqual, "VRS01")
	test.That(t, entries[0].Identifier, test.ShouldEqual, "Hanoi VRS")
	test.That(t, entries[0].Lat, test.ShouldAlmostEqual, 21.0285, 1e-4)
	test.That(t, entries[0].Lon, test.ShouldAlmostEqual, 105.8542, 1e-4)
	test.That(t, entries[1].Name, test.ShouldEqual, "BASE02")
	test.That(t, entries[1].Lat, test.ShouldAlmostEqual, 10.7626, 1e-4)
}

func TestProbeSourceSendsCredentials(t *testing.T) {
	requests := make(chan string, 1)
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		requests <- request
		if _, err := conn.Write(sourcetable.Table{Host: "h", Port: 2101}.Render()); err != nil {
			return
		}
	})

	s := newProbeSupervisor(t, Options{})
	_, err := s.ProbeSource(context.Background(), host, port, "user", "pass")
	test.That(t, err, test.ShouldBeNil)

	request := <-requests
	test.That(t, request, test.ShouldStartWith, "GET / HTTP/1.1\r\n")
	test.That(t, request, test.ShouldContainSubstring, "Authorization: Basic dXNlcjpwYXNz\r\n")
}

func TestProbeSourceUnauthorized(t *testing.T) {
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		_, err := conn.Write([]byte("HTTP/1.1 401 Unauthorized\r\n\r\n"))
		utils.UncheckedError(err)
	})

	s := newProbeSupervisor(t, Options{})
	_, err := s.ProbeSource(context.Background(), host, port, "user", "wrong")
	test.That(t, errors.Is(err, ErrProbeUnauthorized), test.ShouldBeTrue)
}

func TestProbeSourceTimeout(t *testing.T) {
	// The remote accepts and then never answers.
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		time.Sleep(time.Second)
	})

	s := newProbeSupervisor(t, Options{ProbeTimeout: 50 * time.Millisecond})
	started := time.Now()
	_, err := s.ProbeSource(context.Background(), host, port, "", "")
	test.That(t, errors.Is(err, ErrProbeTimeout), test.ShouldBeTrue)
	test.That(t, time.Since(started), test.ShouldBeLessThan, 500*time.Millisecond)
}

func TestProbeSourceUnexpectedStatus(t *testing.T) {
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		_, err := conn.Write([]byte("HTTP/1.1 500 Internal Server Error\r\n\r\n"))
		utils.UncheckedError(err)
	})

	s := newProbeSupervisor(t, Options{})
	_, err := s.ProbeSource(context.Background(), host, port, "", "")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unexpected status")
}

func TestInspectStream(t *testing.T) {
	// Two frames with valid CRC-24Q checksums and reserved message
	// numbers the scanner treats as opaque.
	frame4095 := []byte{0xD3, 0x00, 0x02, 0xFF, 0xF0, 0x0D, 0x4D, 0x7C}
	frame4000 := []byte{0xD3, 0x00, 0x03, 0xFA, 0x00, 0x55, 0x52, 0x58, 0xDF}

	host, port := serveOnce(t, func(conn net.Conn, request string) {
		if !strings.HasPrefix(request, "GET /UP01 ") {
			return
		}
		if _, err := conn.Write([]byte("ICY 200 OK\r\n\r\n")); err != nil {
			return
		}
		for _, frame := range [][]byte{frame4095, frame4000, frame4095} {
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})

	s := newProbeSupervisor(t, Options{})
	report, err := s.InspectStream(context.Background(), host, port, "UP01", "", "",
		3, 500*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Frames, test.ShouldEqual, 3)
	test.That(t, report.TotalBytes, test.ShouldEqual, len(frame4095)*2+len(frame4000))
	test.That(t, report.MessageCounts[4095], test.ShouldEqual, 2)
	test.That(t, report.MessageCounts[4000], test.ShouldEqual, 1)
}

func TestInspectStreamWindowExpires(t *testing.T) {
	host, port := serveOnce(t, func(conn net.Conn, request string) {
		if _, err := conn.Write([]byte("ICY 200 OK\r\n\r\n")); err != nil {
			return
		}
		// No frames: the sample window must close the read.
		time.Sleep(time.Second)
	})

	s := newProbeSupervisor(t, Options{})
	report, err := s.InspectStream(context.Background(), host, port, "UP01", "", "",
		10, 100*time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Frames, test.ShouldEqual, 0)
	test.That(t, report.Elapsed, test.ShouldBeGreaterThanOrEqualTo, 100*time.Millisecond)
}
