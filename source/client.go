// Package source implements the NTRIP client side of the relay: a Client
// pulls the RTCM stream of one upstream caster mountpoint, hands opaque
// frames to its callbacks, and reconnects on loss within an attempt budget.
package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/gnss"
)

// Defaults applied to a Config with unset tunables.
const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultDialTimeout          = 10 * time.Second
	DefaultReadTimeout          = 30 * time.Second
)

const (
	userAgent          = "NTRIP-Relay/1.0"
	tcpKeepAlivePeriod = 30 * time.Second
	writeTimeout       = 5 * time.Second
	readBufferSize     = 4096
	maxHandshakeBytes  = 16 * 1024
)

var (
	// ErrAuthRejected means the upstream answered the handshake with 401.
	// The client reports it once and does not reconnect.
	ErrAuthRejected = errors.New("upstream rejected credentials")

	// ErrReconnectBudget means every reconnect attempt in the budget
	// failed. The client stops until Connect is called again.
	ErrReconnectBudget = errors.New("reconnect attempts exhausted")
)

// Config locates the upstream mountpoint and tunes the connection.
type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	ReadTimeout          time.Duration
}

// Addr returns the upstream dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Callbacks observe one client. They run on the client's connection worker,
// so they must return promptly and must not call Connect or Disconnect.
// Nil callbacks are skipped.
type Callbacks struct {
	OnFrame        func(data []byte)
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

// Stats is a snapshot of a client's liveness counters. LastDataAt is zero
// until the first frame of the current connection arrives and is cleared
// when the connection drops.
type Stats struct {
	Connected     bool
	LastDataAt    time.Time
	BytesReceived int64
}

// Client maintains one outbound NTRIP connection. Connect starts a worker
// that dials, handshakes, and streams, feeding the reconnect state machine
// on failure; Disconnect tears everything down synchronously.
type Client struct {
	cfg    Config
	cb     Callbacks
	clock  clock.Clock
	logger golog.Logger

	mu            sync.Mutex
	running       bool
	conn          net.Conn
	connected     bool
	lastDataAt    time.Time
	bytesReceived int64

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a client for one upstream mountpoint.
func New(cfg Config, cb Callbacks, clk clock.Clock, logger golog.Logger) *Client {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg.withDefaults(),
		cb:         cb,
		clock:      clk,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// Connect begins or resumes connection attempts. It is a no-op while the
// connection worker is already running.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.cancelCtx.Err() != nil {
		return
	}
	c.running = true
	c.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(c.runLoop)
}

// Disconnect tears down the socket and cancels any pending reconnect. It
// returns only after the connection worker has exited, so no callback is
// delivered once it returns.
func (c *Client) Disconnect() {
	c.cancelFunc()
	c.mu.Lock()
	if c.conn != nil {
		utils.UncheckedErrorFunc(c.conn.Close)
	}
	c.mu.Unlock()
	c.activeBackgroundWorkers.Wait()
}

// SendPosition writes one GGA sentence to the upstream if connected,
// reporting whether the write happened. Write failures surface through
// OnError but do not, by themselves, drop the connection.
func (c *Client) SendPosition(lat, lon, alt float64) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	sentence := gnss.FormatGGA(c.clock.Now().UTC(), lat, lon, alt)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.reportError(errors.Wrap(err, "setting position write deadline"))
		return false
	}
	if _, err := conn.Write([]byte(sentence)); err != nil {
		c.reportError(errors.Wrap(err, "writing position"))
		return false
	}
	return true
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:     c.connected,
		LastDataAt:    c.lastDataAt,
		BytesReceived: c.bytesReceived,
	}
}

// runLoop drives dial-handshake-stream cycles until torn down, a 401, or an
// exhausted attempt budget. A completed handshake refreshes the budget.
func (c *Client) runLoop() {
	defer c.activeBackgroundWorkers.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempts := 0
	for {
		streamed, err := c.runOnce()
		if c.cancelCtx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Errorw("upstream rejected credentials; not reconnecting",
				"addr", c.cfg.Addr(), "mountpoint", c.cfg.Mountpoint)
			c.reportError(err)
			return
		}
		if streamed {
			attempts = 0
		}
		attempts++
		c.logger.Warnw("upstream connection failed",
			"addr", c.cfg.Addr(), "mountpoint", c.cfg.Mountpoint,
			"attempt", attempts, "error", err)
		c.reportError(err)
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.reportError(errors.Wrapf(ErrReconnectBudget, "after %d attempts", attempts))
			return
		}
		if !utils.SelectContextOrWait(c.cancelCtx, c.cfg.ReconnectInterval) {
			return
		}
	}
}

// runOnce performs one dial-handshake-stream cycle, reporting whether the
// handshake completed along with the error that ended the cycle.
func (c *Client) runOnce() (bool, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: tcpKeepAlivePeriod}
	conn, err := dialer.DialContext(c.cancelCtx, "tcp", c.cfg.Addr())
	if err != nil {
		return false, errors.Wrapf(err, "dialing %s", c.cfg.Addr())
	}

	residual, err := c.handshake(conn)
	if err != nil {
		utils.UncheckedErrorFunc(conn.Close)
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Infow("connected to upstream",
		"addr", c.cfg.Addr(), "mountpoint", c.cfg.Mountpoint)
	if c.cancelCtx.Err() == nil && c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
	// Bytes that rode along behind the handshake are the head of the
	// RTCM stream.
	if len(residual) > 0 {
		c.deliver(residual)
	}

	err = c.stream(conn)
	c.markDisconnected()
	if c.cancelCtx.Err() == nil && c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
	return true, err
}

// handshake writes the stream request and accumulates the response until
// the status line is complete. On success it returns any bytes that
// followed the header terminator.
func (c *Client) handshake(conn net.Conn) ([]byte, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return nil, errors.Wrap(err, "setting handshake write deadline")
	}
	if _, err := conn.Write([]byte(c.buildRequest())); err != nil {
		return nil, errors.Wrap(err, "writing stream request")
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return nil, errors.Wrap(err, "setting handshake read deadline")
	}

	var buf []byte
	tmp := make([]byte, 1024)
	for {
		if end := bytes.Index(buf, []byte("\r\n")); end >= 0 {
			return c.checkStatus(string(buf[:end]), buf[end+2:])
		}
		if len(buf) > maxHandshakeBytes {
			return nil, errors.New("upstream status line exceeds header limit")
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading handshake response")
		}
	}
}

func (c *Client) checkStatus(status string, rest []byte) ([]byte, error) {
	switch {
	case strings.HasPrefix(status, "ICY 200 OK"):
		// Most casters follow the status line with a blank line; RTCM
		// frames begin 0xD3, so a leading CRLF is never stream data.
		return bytes.TrimPrefix(rest, []byte("\r\n")), nil
	case strings.Contains(status, "401"):
		return nil, ErrAuthRejected
	default:
		return nil, errors.Errorf("unexpected upstream status %q", status)
	}
}

func (c *Client) buildRequest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.1\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&b, "Host: %s\r\n", c.cfg.Addr())
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	if c.cfg.Username != "" || c.cfg.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", creds)
	}
	b.WriteString("\r\n")
	return b.String()
}

// stream relays inbound bytes to OnFrame until the socket fails or the
// client is torn down. Chunks are delivered verbatim; RTCM framing is never
// inspected here.
func (c *Client) stream(conn net.Conn) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.deliver(data)
		}
		if err != nil {
			return errors.Wrap(err, "reading stream")
		}
	}
}

func (c *Client) deliver(data []byte) {
	c.mu.Lock()
	c.lastDataAt = c.clock.Now()
	c.bytesReceived += int64(len(data))
	c.mu.Unlock()
	if c.cancelCtx.Err() == nil && c.cb.OnFrame != nil {
		c.cb.OnFrame(data)
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		utils.UncheckedErrorFunc(c.conn.Close)
		c.conn = nil
	}
	c.connected = false
	c.lastDataAt = time.Time{}
}

func (c *Client) reportError(err error) {
	if c.cancelCtx.Err() != nil {
		return
	}
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
