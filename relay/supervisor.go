// Package relay implements the supervisor that binds persisted station
// configuration to live upstream sessions and the caster, reconciles
// desired versus running state, and exposes the admin-facing surface.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/caster"
	"github.com/Nguyen15idhue/ntrip/source"
	"github.com/Nguyen15idhue/ntrip/storage"
)

// Defaults applied to unset Options fields.
const (
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeepAliveAltitude = 100.0
	DefaultDataTimeout       = 15 * time.Second
	DefaultProbeTimeout      = 10 * time.Second
)

// ErrShutdown is returned by operations on a supervisor after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

// Options tunes the supervisor's timers and the source clients it builds.
type Options struct {
	// KeepAliveInterval is how often a connected relay reports the
	// station position upstream.
	KeepAliveInterval time.Duration
	// KeepAliveAltitude is the altitude in metres reported in keep-alive
	// GGA sentences. Station records carry no elevation.
	KeepAliveAltitude float64
	// DataTimeout bounds how stale the last received frame may be for a
	// relay to still count as online.
	DataTimeout time.Duration
	// ProbeTimeout is the overall deadline for ProbeSource and
	// InspectStream.
	ProbeTimeout time.Duration

	// Passed through to every source client.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (o Options) withDefaults() Options {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveAltitude == 0 {
		o.KeepAliveAltitude = DefaultKeepAliveAltitude
	}
	if o.DataTimeout <= 0 {
		o.DataTimeout = DefaultDataTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// StartResult reports the outcome of starting one relay.
type StartResult struct {
	AlreadyRunning bool
	Station        storage.Station
}

// RelayStatus is one running relay in a ServiceStatus.
type RelayStatus struct {
	ID               string
	Name             string
	SourceConnected  bool
	ClientsConnected int
}

// ServiceStatus is the aggregate view served to the admin layer.
type ServiceStatus struct {
	CasterRunning bool
	TotalRelays   int
	TotalRovers   int
	Relays        []RelayStatus
}

// StationStatus is the per-station view served to the admin layer.
type StationStatus struct {
	StationName      string
	SourceConnected  bool
	SourceHost       string
	SourceMountpoint string
	ClientsConnected int
}

// session is one running relay: the station snapshot it was started from,
// its upstream client, and its keep-alive worker.
type session struct {
	station storage.Station
	client  *source.Client

	kaMu      sync.Mutex
	kaCancel  func()
	kaWorkers sync.WaitGroup
}

// startKeepAlive sends the station position upstream immediately and then
// on every interval until stopped. Starting an already-running worker is a
// no-op.
func (s *session) startKeepAlive(interval time.Duration, alt float64) {
	s.kaMu.Lock()
	defer s.kaMu.Unlock()
	if s.kaCancel != nil {
		return
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s.kaCancel = cancelFunc
	s.kaWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.kaWorkers.Done()
		s.client.SendPosition(s.station.Lat, s.station.Lon, alt)
		for utils.SelectContextOrWait(cancelCtx, interval) {
			s.client.SendPosition(s.station.Lat, s.station.Lon, alt)
		}
	})
}

func (s *session) stopKeepAlive() {
	s.kaMu.Lock()
	cancel := s.kaCancel
	s.kaCancel = nil
	s.kaMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.kaWorkers.Wait()
}

// teardown disconnects the upstream and stops the keep-alive. Disconnect
// comes first so no late OnConnected can restart the worker.
func (s *session) teardown() {
	s.client.Disconnect()
	s.stopKeepAlive()
}

// Supervisor is the single source of truth for which relays run. It owns
// every source session; the caster owns the rover side.
type Supervisor struct {
	store  storage.Store
	caster *caster.Caster
	clock  clock.Clock
	logger golog.Logger
	opts   Options

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session // keyed by mountpoint name
}

// NewSupervisor returns a supervisor bridging the store and the caster.
func NewSupervisor(
	store storage.Store,
	cstr *caster.Caster,
	clk clock.Clock,
	logger golog.Logger,
	opts Options,
) *Supervisor {
	return &Supervisor{
		store:    store,
		caster:   cstr,
		clock:    clk,
		logger:   logger,
		opts:     opts.withDefaults(),
		sessions: map[string]*session{},
	}
}

// Start brings up the relay for a station. Starting a station whose relay
// is already connected is a no-op reported through the result; a running
// but disconnected relay is torn down and rebuilt. On success the station's
// persisted status is made active.
func (s *Supervisor) Start(ctx context.Context, stationID string) (StartResult, error) {
	station, err := s.store.StationByID(ctx, stationID)
	if err != nil {
		return StartResult{}, errors.Wrapf(err, "loading station %q", stationID)
	}
	if err := station.Validate(station.Name); err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StartResult{}, ErrShutdown
	}
	if sess, ok := s.sessions[station.Name]; ok {
		if sess.client.Stats().Connected {
			return StartResult{AlreadyRunning: true, Station: *station}, nil
		}
		// Running but not connected: rebuild from the fresh snapshot.
		sess.teardown()
		delete(s.sessions, station.Name)
	}

	s.caster.RegisterMountpoint(caster.MetaFromStation(*station))
	sess := s.newSession(*station)
	s.sessions[station.Name] = sess
	sess.client.Connect()
	s.logger.Infow("relay started", "mountpoint", station.Name,
		"upstream", station.SourceHost, "upstreamMountpoint", station.SourceMountpoint)

	if station.Status != storage.StatusActive {
		if err := s.store.UpdateStationStatus(ctx, station.ID, storage.StatusActive); err != nil {
			s.logger.Errorw("persisting station status failed",
				"station", station.Name, "error", err)
		}
	}
	return StartResult{Station: *station}, nil
}

func (s *Supervisor) newSession(station storage.Station) *session {
	sess := &session{station: station}
	cfg := source.Config{
		Host:                 station.SourceHost,
		Port:                 station.SourcePort,
		Mountpoint:           station.SourceMountpoint,
		Username:             station.SourceUsername,
		Password:             station.SourcePassword,
		ReconnectInterval:    s.opts.ReconnectInterval,
		MaxReconnectAttempts: s.opts.MaxReconnectAttempts,
	}
	cb := source.Callbacks{
		OnFrame: func(data []byte) {
			s.caster.Broadcast(station.Name, data)
		},
		OnConnected: func() {
			sess.startKeepAlive(s.opts.KeepAliveInterval, s.opts.KeepAliveAltitude)
		},
		OnDisconnected: func() {
			sess.stopKeepAlive()
		},
		OnError: func(err error) {
			s.logger.Warnw("relay source error", "mountpoint", station.Name, "error", err)
		},
	}
	sess.client = source.New(cfg, cb, s.clock, s.logger.Named(station.Name))
	return sess
}

// Stop tears down the relay for a mountpoint. Stopping an unknown
// mountpoint still unregisters it from the caster and succeeds. When
// persistStatus is set the station's persisted status becomes inactive;
// persistence failures are logged, never surfaced.
func (s *Supervisor) Stop(ctx context.Context, mountpoint string, persistStatus bool) error {
	s.mu.Lock()
	sess := s.sessions[mountpoint]
	delete(s.sessions, mountpoint)
	s.mu.Unlock()

	if sess != nil {
		sess.teardown()
		s.logger.Infow("relay stopped", "mountpoint", mountpoint)
	}
	s.caster.UnregisterMountpoint(mountpoint)

	if persistStatus {
		stationID := ""
		if sess != nil {
			stationID = sess.station.ID
		} else if station, err := s.store.StationByName(ctx, mountpoint); err == nil {
			stationID = station.ID
		}
		if stationID != "" {
			if err := s.store.UpdateStationStatus(ctx, stationID, storage.StatusInactive); err != nil {
				s.logger.Errorw("persisting station status failed",
					"mountpoint", mountpoint, "error", err)
			}
		}
	}
	return nil
}

// SyncWithStore converges the running set onto the store's active
// stations: the caster registry is refreshed, missing relays start, and
// relays for stations no longer active stop without overwriting their
// persisted status.
func (s *Supervisor) SyncWithStore(ctx context.Context) error {
	if err := s.caster.RefreshFromStore(ctx); err != nil {
		return err
	}
	stations, err := s.store.ActiveStations(ctx)
	if err != nil {
		return errors.Wrap(err, "listing active stations")
	}
	desired := make(map[string]storage.Station, len(stations))
	for _, station := range stations {
		desired[station.Name] = station
	}

	s.mu.Lock()
	var stale []string
	for name := range s.sessions {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()

	for _, name := range stale {
		utils.UncheckedError(s.Stop(ctx, name, false))
	}
	for _, station := range stations {
		s.mu.Lock()
		_, running := s.sessions[station.Name]
		s.mu.Unlock()
		if running {
			continue
		}
		if _, err := s.Start(ctx, station.ID); err != nil {
			s.logger.Errorw("starting relay during sync failed",
				"station", station.Name, "error", err)
		}
	}
	return nil
}

// online decides whether a relay counts as up: the socket being connected
// is not enough, data must actually be flowing.
func (s *Supervisor) online(stats source.Stats) bool {
	return stats.Connected &&
		!stats.LastDataAt.IsZero() &&
		s.clock.Now().Sub(stats.LastDataAt) < s.opts.DataTimeout
}

// Status aggregates the running set for the admin layer, relays in
// mountpoint order.
func (s *Supervisor) Status() ServiceStatus {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	relays := make([]RelayStatus, 0, len(sessions))
	for _, sess := range sessions {
		relays = append(relays, RelayStatus{
			ID:               sess.station.ID,
			Name:             sess.station.Name,
			SourceConnected:  s.online(sess.client.Stats()),
			ClientsConnected: s.caster.SubscriberCount(sess.station.Name),
		})
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Name < relays[j].Name })

	return ServiceStatus{
		CasterRunning: s.caster.Running(),
		TotalRelays:   len(relays),
		TotalRovers:   len(s.caster.ActiveRovers()),
		Relays:        relays,
	}
}

// StationStatus reports one station's relay, or nil when no relay runs for
// it.
func (s *Supervisor) StationStatus(ctx context.Context, stationID string) (*StationStatus, error) {
	station, err := s.store.StationByID(ctx, stationID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading station %q", stationID)
	}

	s.mu.Lock()
	sess, ok := s.sessions[station.Name]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return &StationStatus{
		StationName:      station.Name,
		SourceConnected:  s.online(sess.client.Stats()),
		SourceHost:       sess.station.SourceHost,
		SourceMountpoint: sess.station.SourceMountpoint,
		ClientsConnected: s.caster.SubscriberCount(station.Name),
	}, nil
}

// ActiveRoverSessions lists every connected rover session.
func (s *Supervisor) ActiveRoverSessions() []caster.RoverSessionInfo {
	return s.caster.ActiveRovers()
}

// Shutdown stops every relay without touching persisted statuses, then
// stops the caster, destroying all rover sockets. The supervisor is
// unusable afterwards.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	for name, sess := range sessions {
		sess.teardown()
		s.caster.UnregisterMountpoint(name)
	}
	s.caster.Stop()
	s.logger.Info("supervisor shut down")
}
