package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-gnss/rtcm/rtcm3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/sourcetable"
)

var (
	// ErrProbeUnauthorized means the remote caster answered a probe with 401.
	ErrProbeUnauthorized = errors.New("source caster rejected credentials")

	// ErrProbeTimeout means the probe deadline elapsed before the remote
	// caster finished answering.
	ErrProbeTimeout = errors.New("source caster probe timed out")
)

// StreamReport summarises a short sample of one upstream RTCM stream.
type StreamReport struct {
	Mountpoint    string
	Frames        int
	TotalBytes    int
	MessageCounts map[int]int
	Elapsed       time.Duration
}

// ProbeSource fetches a remote caster's sourcetable and returns its STR
// entries. The whole exchange runs under the probe deadline; 401 and
// timeout surface as distinct sentinel errors.
func (s *Supervisor) ProbeSource(
	ctx context.Context,
	host string,
	port int,
	username, password string,
) ([]sourcetable.Entry, error) {
	conn, err := s.dialProbe(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(conn.Close)

	reader, err := s.sendProbeRequest(conn, host, port, "", username, password, "SOURCETABLE 200 OK")
	if err != nil {
		return nil, err
	}
	entries, err := sourcetable.Parse(reader)
	if err != nil {
		return nil, s.classifyProbeErr(err, "reading sourcetable")
	}
	return entries, nil
}

// InspectStream samples an upstream mountpoint's RTCM stream, scanning
// whole RTCM3 frames and counting message types. It stops after maxFrames
// frames or when window elapses, whichever comes first. This is probe
// analytics only; relayed streams are never framed.
func (s *Supervisor) InspectStream(
	ctx context.Context,
	host string,
	port int,
	mountpoint, username, password string,
	maxFrames int,
	window time.Duration,
) (*StreamReport, error) {
	conn, err := s.dialProbe(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(conn.Close)

	reader, err := s.sendProbeRequest(conn, host, port, mountpoint, username, password, "ICY 200 OK")
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := conn.SetDeadline(started.Add(window)); err != nil {
		return nil, errors.Wrap(err, "setting stream window")
	}
	report := &StreamReport{Mountpoint: mountpoint, MessageCounts: map[int]int{}}
	scanner := rtcm3.NewScanner(reader)
	for report.Frames < maxFrames {
		msg, err := scanner.NextMessage()
		if err != nil {
			// The window closing mid-read is the normal way a sample
			// ends; report whatever was collected.
			break
		}
		frame := rtcm3.EncapsulateMessage(msg)
		report.Frames++
		report.TotalBytes += len(frame.Serialize())
		report.MessageCounts[int(msg.Number())]++
	}
	report.Elapsed = time.Since(started)
	return report, nil
}

func (s *Supervisor) dialProbe(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: s.opts.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, s.classifyProbeErr(err, "dialing "+addr)
	}
	if err := conn.SetDeadline(time.Now().Add(s.opts.ProbeTimeout)); err != nil {
		utils.UncheckedErrorFunc(conn.Close)
		return nil, errors.Wrap(err, "setting probe deadline")
	}
	return conn, nil
}

// sendProbeRequest writes one NTRIP request and validates the status line,
// returning a reader positioned after it.
func (s *Supervisor) sendProbeRequest(
	conn net.Conn,
	host string,
	port int,
	mountpoint, username, password, wantStatus string,
) (*bufio.Reader, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.1\r\n", mountpoint)
	fmt.Fprintf(&b, "Host: %s\r\n", net.JoinHostPort(host, strconv.Itoa(port)))
	b.WriteString("User-Agent: NTRIP-Relay/1.0\r\n")
	if username != "" || password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", creds)
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, s.classifyProbeErr(err, "writing probe request")
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		return nil, s.classifyProbeErr(err, "reading probe status")
	}
	status = strings.TrimSpace(status)
	switch {
	case strings.HasPrefix(status, wantStatus):
		return reader, nil
	case strings.Contains(status, "401"):
		return nil, ErrProbeUnauthorized
	default:
		return nil, errors.Errorf("unexpected status %q from source caster", status)
	}
}

// classifyProbeErr folds network timeouts into ErrProbeTimeout so callers
// can distinguish a slow caster from a broken one.
func (s *Supervisor) classifyProbeErr(err error, doing string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrProbeTimeout, "%s: %v", doing, err)
	}
	return errors.Wrap(err, doing)
}
