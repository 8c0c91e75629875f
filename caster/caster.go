// Package caster implements the serving side of the relay: an NTRIP v1
// caster that serves a sourcetable at its root path, authenticates rovers
// against the store, and fans per-mountpoint RTCM streams out to them.
package caster

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/gnss"
	"github.com/Nguyen15idhue/ntrip/sourcetable"
	"github.com/Nguyen15idhue/ntrip/storage"
)

// Defaults for the listener and the rendered caster identity. The port is
// applied by the configuration layer so tests can bind ephemeral ports by
// leaving Config.Port zero.
const (
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 9001
	DefaultOperator = "NTRIP Relay Service"
)

// Config tunes the listener address and the identity rendered into the
// sourcetable CAS record.
type Config struct {
	Host       string
	Port       int
	Operator   string
	Identifier string
	Country    string
	Lat        float64
	Lon        float64
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Operator == "" {
		c.Operator = DefaultOperator
	}
	if c.Identifier == "" {
		c.Identifier = c.Operator
	}
	return c
}

// MountpointMeta is the sourcetable-facing description of one registered
// mountpoint.
type MountpointMeta struct {
	Name       string
	Identifier string
	Country    string
	Lat        float64
	Lon        float64
	Carrier    string
	NavSystem  string
	Network    string
}

// MetaFromStation maps a stored station onto its mountpoint registration.
func MetaFromStation(station storage.Station) MountpointMeta {
	identifier := station.Description
	if identifier == "" {
		identifier = station.Name
	}
	return MountpointMeta{
		Name:       station.Name,
		Identifier: identifier,
		Country:    station.Country,
		Lat:        station.Lat,
		Lon:        station.Lon,
		Carrier:    station.Carrier,
		NavSystem:  station.NavSystem,
		Network:    station.Network,
	}
}

// RoverSessionInfo is a snapshot of one connected rover session.
type RoverSessionInfo struct {
	SessionID          string
	RoverID            string
	Username           string
	Mountpoint         string
	RemoteAddr         string
	ConnectedAt        time.Time
	GNSSStatus         string
	LastPosition       *geo.Point
	LastAltitude       float64
	LastPositionUpdate time.Time
}

// liveStation is a registered mountpoint and its current subscribers.
type liveStation struct {
	meta        MountpointMeta
	subscribers map[string]*roverSession
}

// roverSession is one authenticated streaming connection.
type roverSession struct {
	id          string
	roverID     string
	username    string
	mountpoint  string
	remoteAddr  string
	connectedAt time.Time
	conn        net.Conn

	mu                 sync.Mutex
	gnssStatus         string
	lastPosition       *geo.Point
	lastAltitude       float64
	lastPositionUpdate time.Time
}

// write sends one broadcast chunk. The short deadline stands in for a
// writability check: rovers that cannot take the write are evicted, never
// buffered for.
func (s *roverSession) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(subscriberWriteTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *roverSession) updatePosition(pos *gnss.Position, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPosition = geo.NewPoint(pos.Lat, pos.Lon)
	s.lastAltitude = pos.Altitude
	s.gnssStatus = gnss.FixQualityLabel(pos.Quality)
	s.lastPositionUpdate = at
}

func (s *roverSession) info() RoverSessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RoverSessionInfo{
		SessionID:          s.id,
		RoverID:            s.roverID,
		Username:           s.username,
		Mountpoint:         s.mountpoint,
		RemoteAddr:         s.remoteAddr,
		ConnectedAt:        s.connectedAt,
		GNSSStatus:         s.gnssStatus,
		LastPosition:       s.lastPosition,
		LastAltitude:       s.lastAltitude,
		LastPositionUpdate: s.lastPositionUpdate,
	}
}

// Caster owns the mountpoint registry and every rover session. The
// registry survives Stop so a restarted caster serves the same
// sourcetable.
type Caster struct {
	cfg    Config
	store  storage.Store
	clock  clock.Clock
	logger golog.Logger

	mu        sync.Mutex
	running   bool
	listener  net.Listener
	boundPort int
	runCancel func()
	stations  map[string]*liveStation
	sessions  map[string]*roverSession
	conns     map[net.Conn]struct{}

	activeBackgroundWorkers sync.WaitGroup
}

// New returns a caster serving rovers authenticated against the store.
func New(cfg Config, store storage.Store, clk clock.Clock, logger golog.Logger) *Caster {
	return &Caster{
		cfg:      cfg.withDefaults(),
		store:    store,
		clock:    clk,
		logger:   logger,
		stations: map[string]*liveStation{},
		sessions: map[string]*roverSession{},
		conns:    map[net.Conn]struct{}{},
	}
}

// Start binds the listener and begins accepting rovers. Starting a running
// caster is a no-op.
func (c *Caster) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))
	if err != nil {
		return errors.Wrapf(err, "binding caster listener on %s:%d", c.cfg.Host, c.cfg.Port)
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	c.listener = listener
	c.boundPort = listener.Addr().(*net.TCPAddr).Port
	c.runCancel = cancelFunc
	c.running = true
	c.logger.Infow("caster listening", "addr", listener.Addr().String())

	c.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		c.acceptLoop(cancelCtx, listener)
	})
	return nil
}

// Stop closes the listener and destroys every rover session. Stopping a
// stopped caster is a no-op.
func (c *Caster) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.runCancel()
	utils.UncheckedErrorFunc(c.listener.Close)
	c.listener = nil
	sessions := make([]*roverSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	// Connections still mid-request get cut too, or Wait below would sit
	// out their header deadlines.
	conns := make([]net.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, session := range sessions {
		c.dropSession(session)
	}
	for _, conn := range conns {
		utils.UncheckedErrorFunc(conn.Close)
	}
	c.activeBackgroundWorkers.Wait()
	c.logger.Info("caster stopped")
}

// Running reports whether the listener is up.
func (c *Caster) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Port returns the actually bound port, which differs from the configured
// one when it was zero.
func (c *Caster) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundPort != 0 {
		return c.boundPort
	}
	return c.cfg.Port
}

func (c *Caster) acceptLoop(cancelCtx context.Context, listener net.Listener) {
	defer c.activeBackgroundWorkers.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if cancelCtx.Err() != nil {
				return
			}
			c.logger.Warnw("accept failed", "error", err)
			if !utils.SelectContextOrWait(cancelCtx, 50*time.Millisecond) {
				return
			}
			continue
		}
		c.activeBackgroundWorkers.Add(1)
		utils.PanicCapturingGo(func() {
			c.serveConn(cancelCtx, conn)
		})
	}
}

// RegisterMountpoint inserts or updates a mountpoint entry. Re-registering
// never disturbs existing subscribers.
func (c *Caster) RegisterMountpoint(meta MountpointMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if station, ok := c.stations[meta.Name]; ok {
		station.meta = meta
		return
	}
	c.stations[meta.Name] = &liveStation{
		meta:        meta,
		subscribers: map[string]*roverSession{},
	}
}

// UnregisterMountpoint removes the mountpoint and destroys its
// subscribers' sockets. Unknown names are a no-op.
func (c *Caster) UnregisterMountpoint(name string) {
	c.mu.Lock()
	station, ok := c.stations[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.stations, name)
	doomed := make([]*roverSession, 0, len(station.subscribers))
	for _, session := range station.subscribers {
		doomed = append(doomed, session)
		delete(c.sessions, session.id)
	}
	c.mu.Unlock()

	for _, session := range doomed {
		utils.UncheckedErrorFunc(session.conn.Close)
	}
}

// Broadcast writes data to every subscriber of the mountpoint, evicting
// those whose write fails, and returns the success count. Writes happen on
// a snapshot of the subscriber set, outside the registry lock.
func (c *Caster) Broadcast(name string, data []byte) int {
	c.mu.Lock()
	station, ok := c.stations[name]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	subscribers := make([]*roverSession, 0, len(station.subscribers))
	for _, session := range station.subscribers {
		subscribers = append(subscribers, session)
	}
	c.mu.Unlock()

	written := 0
	for _, session := range subscribers {
		if err := session.write(data); err != nil {
			c.logger.Debugw("evicting unwritable rover",
				"username", session.username, "mountpoint", name, "error", err)
			c.dropSession(session)
			continue
		}
		written++
	}
	return written
}

// Sourcetable renders the response served at the root path, one STR record
// per registered mountpoint in name order.
func (c *Caster) Sourcetable() []byte {
	c.mu.Lock()
	names := make([]string, 0, len(c.stations))
	for name := range c.stations {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]sourcetable.Entry, 0, len(names))
	for _, name := range names {
		meta := c.stations[name].meta
		entries = append(entries, sourcetable.Entry{
			Name:       meta.Name,
			Identifier: meta.Identifier,
			Carrier:    meta.Carrier,
			NavSystem:  meta.NavSystem,
			Network:    meta.Network,
			Country:    meta.Country,
			Lat:        meta.Lat,
			Lon:        meta.Lon,
		})
	}
	port := c.cfg.Port
	if c.boundPort != 0 {
		port = c.boundPort
	}
	table := sourcetable.Table{
		Host:       c.cfg.Host,
		Port:       port,
		Identifier: c.cfg.Identifier,
		Operator:   c.cfg.Operator,
		Country:    c.cfg.Country,
		Lat:        c.cfg.Lat,
		Lon:        c.cfg.Lon,
		Entries:    entries,
	}
	c.mu.Unlock()
	return table.Render()
}

// SubscriberCount returns the number of rovers streaming a mountpoint.
func (c *Caster) SubscriberCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if station, ok := c.stations[name]; ok {
		return len(station.subscribers)
	}
	return 0
}

// ActiveRovers snapshots every connected rover session, oldest first.
func (c *Caster) ActiveRovers() []RoverSessionInfo {
	c.mu.Lock()
	sessions := make([]*roverSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	c.mu.Unlock()

	infos := make([]RoverSessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// RefreshFromStore reconciles the mountpoint registry with the store's
// active stations: missing mountpoints are registered, stale ones dropped
// along with their subscribers.
func (c *Caster) RefreshFromStore(ctx context.Context) error {
	stations, err := c.store.ActiveStations(ctx)
	if err != nil {
		return errors.Wrap(err, "listing active stations")
	}
	desired := make(map[string]MountpointMeta, len(stations))
	for _, station := range stations {
		desired[station.Name] = MetaFromStation(station)
	}

	c.mu.Lock()
	var stale []string
	for name := range c.stations {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	c.mu.Unlock()

	for _, meta := range desired {
		c.RegisterMountpoint(meta)
	}
	for _, name := range stale {
		c.UnregisterMountpoint(name)
	}
	return nil
}

// dropSession disconnects a rover and removes it from the registry and its
// live station. Safe to call more than once per session.
func (c *Caster) dropSession(session *roverSession) {
	utils.UncheckedErrorFunc(session.conn.Close)
	c.mu.Lock()
	delete(c.sessions, session.id)
	if station, ok := c.stations[session.mountpoint]; ok {
		delete(station.subscribers, session.id)
	}
	c.mu.Unlock()
}
