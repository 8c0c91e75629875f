package caster

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/gnss"
	"github.com/Nguyen15idhue/ntrip/storage"
)

const (
	maxHeaderBytes         = 16 * 1024
	headerReadTimeout      = 30 * time.Second
	responseWriteTimeout   = 10 * time.Second
	subscriberWriteTimeout = 5 * time.Second
	roverKeepAlivePeriod   = 30 * time.Second
	ingestBufferSize       = 1024
)

const (
	responseBadRequest   = "HTTP/1.1 400 Bad Request\r\n\r\n"
	responseUnauthorized = "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"NTRIP Caster\"\r\n\r\n"
	responseNotFound     = "HTTP/1.1 404 Not Found\r\n\r\nERROR - Mountpoint not found"
	responseNotAllowed   = "HTTP/1.1 405 Method Not Allowed\r\n\r\n"
	responseServerError  = "HTTP/1.1 500 Internal Server Error\r\n\r\n"
	responseICY          = "ICY 200 OK\r\n\r\n"
)

// errAuthRejected marks credential failures, as opposed to store failures
// that keep us from judging the credentials at all.
var errAuthRejected = errors.New("rover credentials rejected")

// request is one parsed NTRIP request head. Residual holds whatever arrived
// in the same segments after the header terminator; for a rover it is
// usually the first GGA sentence and must not be dropped.
type request struct {
	method   string
	target   string
	headers  map[string]string
	residual []byte
}

func (r request) header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// serveConn drives one inbound connection from accept to close.
func (c *Caster) serveConn(cancelCtx context.Context, conn net.Conn) {
	defer c.activeBackgroundWorkers.Done()
	c.mu.Lock()
	// Stop cancels before it snapshots c.conns under this lock, so a
	// connection either lands in the snapshot or sees the cancellation
	// here; neither can sit out the header deadline past Stop.
	if cancelCtx.Err() != nil {
		c.mu.Unlock()
		utils.UncheckedErrorFunc(conn.Close)
		return
	}
	c.conns[conn] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	req, err := readRequest(conn)
	if err != nil {
		c.logger.Debugw("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
		c.respondAndClose(conn, responseBadRequest)
		return
	}
	if req.method != "GET" {
		c.respondAndClose(conn, responseNotAllowed)
		return
	}

	mountpoint := strings.TrimPrefix(req.target, "/")
	if mountpoint == "" {
		c.serveSourcetable(conn)
		return
	}
	c.serveStream(cancelCtx, conn, mountpoint, req)
}

// readRequest accumulates bytes until the header terminator, bounded at
// maxHeaderBytes, and parses the request line and header map.
func readRequest(conn net.Conn) (request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(headerReadTimeout)); err != nil {
		return request{}, errors.Wrap(err, "setting header read deadline")
	}

	var buf []byte
	tmp := make([]byte, 1024)
	var head, residual []byte
	for {
		if end := bytes.Index(buf, []byte("\r\n\r\n")); end >= 0 {
			head = buf[:end]
			residual = buf[end+4:]
			break
		}
		if len(buf) > maxHeaderBytes {
			return request{}, errors.New("header section exceeds limit")
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return request{}, errors.Wrap(err, "reading request head")
		}
	}

	lines := strings.Split(string(head), "\r\n")
	parts := strings.Fields(lines[0])
	// NTRIP v1 rovers may omit the HTTP version from the request line.
	if len(parts) != 2 && len(parts) != 3 {
		return request{}, errors.Errorf("malformed request line %q", lines[0])
	}
	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return request{}, errors.Errorf("malformed header line %q", line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return request{
		method:   parts[0],
		target:   parts[1],
		headers:  headers,
		residual: residual,
	}, nil
}

func (c *Caster) respondAndClose(conn net.Conn, response string) {
	if err := conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout)); err == nil {
		if _, err := conn.Write([]byte(response)); err != nil {
			c.logger.Debugw("response write failed", "remote", conn.RemoteAddr(), "error", err)
		}
	}
	utils.UncheckedErrorFunc(conn.Close)
}

func (c *Caster) serveSourcetable(conn net.Conn) {
	if err := conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout)); err == nil {
		if _, err := conn.Write(c.Sourcetable()); err != nil {
			c.logger.Debugw("sourcetable write failed", "remote", conn.RemoteAddr(), "error", err)
		}
	}
	utils.UncheckedErrorFunc(conn.Close)
}

// serveStream authenticates the rover, promotes the connection to a
// mountpoint subscriber, and runs its NMEA ingest loop until the socket
// dies or the session is evicted.
func (c *Caster) serveStream(cancelCtx context.Context, conn net.Conn, mountpoint string, req request) {
	c.mu.Lock()
	_, registered := c.stations[mountpoint]
	c.mu.Unlock()
	if !registered {
		c.respondAndClose(conn, responseNotFound)
		return
	}

	rover, err := c.authenticate(cancelCtx, mountpoint, req)
	if err != nil {
		if errors.Is(err, errAuthRejected) {
			c.respondAndClose(conn, responseUnauthorized)
			return
		}
		// A store outage is not the rover's fault; don't challenge for
		// credentials it already presented.
		c.logger.Errorw("rover auth store failure", "mountpoint", mountpoint, "error", err)
		c.respondAndClose(conn, responseServerError)
		return
	}

	now := c.clock.Now()
	if err := c.store.TouchRoverConnection(cancelCtx, rover.ID, now); err != nil {
		c.logger.Warnw("recording rover connection failed",
			"username", rover.Username, "error", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		utils.UncheckedError(tcpConn.SetKeepAlive(true))
		utils.UncheckedError(tcpConn.SetKeepAlivePeriod(roverKeepAlivePeriod))
		utils.UncheckedError(tcpConn.SetNoDelay(true))
	}

	session := &roverSession{
		id:          uuid.NewString(),
		roverID:     rover.ID,
		username:    rover.Username,
		mountpoint:  mountpoint,
		remoteAddr:  remoteIP(conn),
		connectedAt: now,
		conn:        conn,
	}

	// The upgrade line goes out before the session joins the subscriber
	// set: once admitted, a concurrent Broadcast may write to this socket,
	// and no RTCM byte may precede the ICY response.
	if err := conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout)); err != nil {
		utils.UncheckedErrorFunc(conn.Close)
		return
	}
	if _, err := conn.Write([]byte(responseICY)); err != nil {
		utils.UncheckedErrorFunc(conn.Close)
		return
	}

	// The mountpoint may have been unregistered while we were talking to
	// the store; admit the session only against a live registration. If it
	// is gone the rover sees EOF right after the upgrade, same as an
	// eviction.
	c.mu.Lock()
	station, registered := c.stations[mountpoint]
	if registered {
		station.subscribers[session.id] = session
		c.sessions[session.id] = session
	}
	c.mu.Unlock()
	if !registered {
		utils.UncheckedErrorFunc(conn.Close)
		return
	}
	c.logger.Infow("rover connected",
		"username", rover.Username, "mountpoint", mountpoint, "remote", session.remoteAddr)

	c.ingestNMEA(conn, session, req.residual)
	c.dropSession(session)
	c.logger.Infow("rover disconnected",
		"username", rover.Username, "mountpoint", mountpoint, "remote", session.remoteAddr)
}

// authenticate resolves the Basic credentials of a stream request to an
// effectively active rover. Every credential failure mode collapses to
// errAuthRejected; store failures pass through distinctly.
func (c *Caster) authenticate(ctx context.Context, mountpoint string, req request) (*storage.Rover, error) {
	username, password, ok := basicCredentials(req.header("Authorization"))
	if !ok {
		c.logger.Debugw("rover auth missing or malformed", "mountpoint", mountpoint)
		return nil, errAuthRejected
	}
	rover, err := c.store.RoverByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errAuthRejected
		}
		return nil, errors.Wrapf(err, "looking up rover %q", username)
	}
	if !rover.CheckPassword(password) {
		c.logger.Debugw("rover password mismatch", "username", username)
		return nil, errAuthRejected
	}
	if !rover.IsCurrentlyActive(c.clock.Now()) {
		c.logger.Debugw("rover not currently active", "username", username)
		return nil, errAuthRejected
	}
	return rover, nil
}

func basicCredentials(header string) (string, string, bool) {
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return username, password, true
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// ingestNMEA consumes the rover's inbound bytes, scanning line-wise for GGA
// sentences and updating the session position. It returns when the socket
// errors, which includes eviction closing it out from under us. seed is any
// residue from the request head and leads the ingest buffer.
func (c *Caster) ingestNMEA(conn net.Conn, session *roverSession, seed []byte) {
	pending := append([]byte{}, seed...)
	buf := make([]byte, ingestBufferSize)
	for {
		pending = c.drainSentences(session, pending)
		// Rovers that go quiet stay connected; the deadline only bounds
		// each blocking read so shutdown is prompt.
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
	}
}

// drainSentences consumes every complete line in pending, applying GGA
// sentences to the session, and returns the unterminated remainder.
func (c *Caster) drainSentences(session *roverSession, pending []byte) []byte {
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			// A stuck rover must not grow the buffer without bound.
			if len(pending) > maxHeaderBytes {
				pending = pending[:0]
			}
			return pending
		}
		line := strings.TrimSpace(string(pending[:idx]))
		pending = pending[idx+1:]
		if !strings.HasPrefix(line, "$GPGGA") && !strings.HasPrefix(line, "$GNGGA") {
			continue
		}
		pos, err := gnss.ParseGGA(line)
		if err != nil {
			c.logger.Debugw("dropping malformed GGA",
				"username", session.username, "error", err)
			continue
		}
		session.updatePosition(pos, c.clock.Now())
	}
}
