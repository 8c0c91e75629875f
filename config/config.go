// Package config loads the relay daemon's configuration from an optional
// JSON5 file and the environment, environment winning.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/Nguyen15idhue/ntrip/storage"
)

// Defaults for the caster listener identity.
const (
	DefaultCasterHost     = "0.0.0.0"
	DefaultCasterPort     = 9001
	DefaultCasterOperator = "NTRIP Relay Service"
)

// Config is the full daemon configuration. Durations are expressed in
// seconds so the file and environment forms stay plain numbers.
type Config struct {
	CasterHost       string  `json:"caster_host"`
	CasterPort       int     `json:"caster_port"`
	CasterOperator   string  `json:"caster_operator"`
	CasterIdentifier string  `json:"caster_identifier"`
	CasterCountry    string  `json:"caster_country"`
	CasterLat        float64 `json:"caster_lat"`
	CasterLon        float64 `json:"caster_lon"`

	Store storage.StoreConfig `json:"store"`

	// Seed records applied to a memory store at startup and again on each
	// config reload. Database-backed deployments leave these empty and
	// manage stations through the admin surface instead.
	Stations []storage.Station `json:"stations,omitempty"`
	Rovers   []storage.Rover   `json:"rovers,omitempty"`

	ReconnectIntervalSec int     `json:"reconnect_interval_sec"`
	MaxReconnectAttempts int     `json:"max_reconnect_attempts"`
	DataTimeoutSec       int     `json:"data_timeout_sec"`
	KeepAliveIntervalSec int     `json:"keepalive_interval_sec"`
	KeepAliveAltitudeM   float64 `json:"keepalive_altitude_m"`
	ProbeTimeoutSec      int     `json:"probe_timeout_sec"`
}

// Default returns the configuration the daemon runs with when nothing is
// specified: a memory store behind the standard caster identity.
func Default() Config {
	return Config{
		CasterHost:     DefaultCasterHost,
		CasterPort:     DefaultCasterPort,
		CasterOperator: DefaultCasterOperator,
		Store:          storage.StoreConfig{Type: storage.StoreTypeMemory},
	}
}

// Read loads the configuration: defaults, then the file at path when path
// is non-empty, then environment overrides. Environment references inside
// the file ($VAR or ${VAR}) are expanded before parsing.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := envsubst.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %q", path)
		}
		if err := json5.Unmarshal(buf, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing config file %q", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads the configuration from defaults and the environment alone.
func FromEnv() (Config, error) {
	return Read("")
}

func (c *Config) applyEnv() {
	envString("NTRIP_CASTER_HOST", &c.CasterHost)
	envInt("NTRIP_CASTER_PORT", &c.CasterPort)
	envString("NTRIP_CASTER_OPERATOR", &c.CasterOperator)
	envString("NTRIP_CASTER_IDENTIFIER", &c.CasterIdentifier)
	envString("NTRIP_CASTER_COUNTRY", &c.CasterCountry)
	envFloat("NTRIP_CASTER_LAT", &c.CasterLat)
	envFloat("NTRIP_CASTER_LON", &c.CasterLon)

	var storeType string
	envString("NTRIP_STORE_TYPE", &storeType)
	if storeType != "" {
		c.Store.Type = storage.StoreType(storeType)
	}
	envString("NTRIP_MONGO_URI", &c.Store.MongoURI)
	envString("NTRIP_MONGO_DATABASE", &c.Store.MongoDatabase)

	envInt("NTRIP_RECONNECT_INTERVAL_SEC", &c.ReconnectIntervalSec)
	envInt("NTRIP_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts)
	envInt("NTRIP_DATA_TIMEOUT_SEC", &c.DataTimeoutSec)
	envInt("NTRIP_KEEPALIVE_INTERVAL_SEC", &c.KeepAliveIntervalSec)
	envFloat("NTRIP_KEEPALIVE_ALTITUDE_M", &c.KeepAliveAltitudeM)
	envInt("NTRIP_PROBE_TIMEOUT_SEC", &c.ProbeTimeoutSec)
}

// Validate checks ranges. Zero values for tunables mean "use the
// component's default" and pass.
func (c Config) Validate() error {
	if c.CasterPort < 1 || c.CasterPort > 65535 {
		return errors.Errorf("caster port %d out of range", c.CasterPort)
	}
	if c.CasterLat < -90 || c.CasterLat > 90 {
		return errors.Errorf("caster latitude %v out of range", c.CasterLat)
	}
	if c.CasterLon < -180 || c.CasterLon > 180 {
		return errors.Errorf("caster longitude %v out of range", c.CasterLon)
	}
	switch c.Store.Type {
	case storage.StoreTypeMemory, storage.StoreTypeMongoDB, "":
	default:
		return errors.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Store.Type == storage.StoreTypeMongoDB && c.Store.MongoURI == "" {
		return errors.New("mongodb store requires a uri")
	}
	for _, station := range c.Stations {
		if err := station.Validate(station.Name); err != nil {
			return err
		}
	}
	for _, tunable := range []struct {
		name  string
		value int
	}{
		{"reconnect_interval_sec", c.ReconnectIntervalSec},
		{"max_reconnect_attempts", c.MaxReconnectAttempts},
		{"data_timeout_sec", c.DataTimeoutSec},
		{"keepalive_interval_sec", c.KeepAliveIntervalSec},
		{"probe_timeout_sec", c.ProbeTimeoutSec},
	} {
		if tunable.value < 0 {
			return errors.Errorf("%s must not be negative", tunable.name)
		}
	}
	return nil
}

// Seconds converts a whole-second tunable to a duration, zero staying zero
// so component defaults apply.
func Seconds(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func envString(name string, out *string) {
	if value := os.Getenv(name); value != "" {
		*out = value
	}
}

func envInt(name string, out *int) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	*out = parsed
}

func envFloat(name string, out *float64) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	*out = parsed
}
