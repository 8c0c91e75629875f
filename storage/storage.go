// Package storage defines the station and rover records the relay runs on
// and the narrow persistence contract it consumes. Two implementations are
// provided: an in-process memory store and a MongoDB-backed store.
package storage

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned by lookups for stations and rovers that do not
// exist. Write operations against absent records return it as well.
var ErrNotFound = errors.New("not found")

// Status is the persisted on/off switch for stations and rovers.
type Status string

// The two persisted statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Station describes one relayed mountpoint: where the corrections come from
// upstream and the metadata rendered into the sourcetable.
type Station struct {
	ID               string  `json:"id" bson:"_id,omitempty"`
	Name             string  `json:"name" bson:"name"`
	Description      string  `json:"description,omitempty" bson:"description,omitempty"`
	Lat              float64 `json:"lat" bson:"lat"`
	Lon              float64 `json:"lon" bson:"lon"`
	SourceHost       string  `json:"source_host" bson:"source_host"`
	SourcePort       int     `json:"source_port" bson:"source_port"`
	SourceMountpoint string  `json:"source_mountpoint" bson:"source_mountpoint"`
	SourceUsername   string  `json:"source_username,omitempty" bson:"source_username,omitempty"`
	SourcePassword   string  `json:"source_password,omitempty" bson:"source_password,omitempty"`
	Status           Status  `json:"status" bson:"status"`
	Carrier          string  `json:"carrier,omitempty" bson:"carrier,omitempty"`
	NavSystem        string  `json:"nav_system,omitempty" bson:"nav_system,omitempty"`
	Network          string  `json:"network,omitempty" bson:"network,omitempty"`
	Country          string  `json:"country,omitempty" bson:"country,omitempty"`
}

// Validate ensures the station can be relayed. path names the station in
// the returned error, usually its mountpoint name.
func (s Station) Validate(path string) error {
	if s.Name == "" {
		return NewConfigValidationFieldRequiredError(path, "name")
	}
	if s.SourceHost == "" {
		return NewConfigValidationFieldRequiredError(path, "source_host")
	}
	if s.SourcePort < 1 || s.SourcePort > 65535 {
		return NewConfigValidationError(path, errors.Errorf("source_port %d out of range", s.SourcePort))
	}
	if s.Lat < -90 || s.Lat > 90 {
		return NewConfigValidationError(path, errors.Errorf("latitude %v out of range", s.Lat))
	}
	if s.Lon < -180 || s.Lon > 180 {
		return NewConfigValidationError(path, errors.Errorf("longitude %v out of range", s.Lon))
	}
	return nil
}

// Rover is an authenticated subscriber account.
type Rover struct {
	ID             string     `json:"id" bson:"_id,omitempty"`
	Username       string     `json:"username" bson:"username"`
	PasswordHash   string     `json:"password_hash" bson:"password_hash"`
	UserID         string     `json:"user_id,omitempty" bson:"user_id,omitempty"`
	StationID      string     `json:"station_id,omitempty" bson:"station_id,omitempty"`
	Status         Status     `json:"status" bson:"status"`
	StartDate      *time.Time `json:"start_date,omitempty" bson:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty" bson:"end_date,omitempty"`
	LastConnection *time.Time `json:"last_connection,omitempty" bson:"last_connection,omitempty"`
}

// IsCurrentlyActive reports whether the rover may authenticate right now.
// Derived from the status and the optional date window; never persisted.
func (r Rover) IsCurrentlyActive(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if r.StartDate != nil && now.Before(*r.StartDate) {
		return false
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return false
	}
	return true
}

// CheckPassword compares a presented password against the stored bcrypt
// verifier.
func (r Rover) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(r.PasswordHash), []byte(password)) == nil
}

// HashPassword produces a bcrypt verifier for storage on a Rover.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing password")
	}
	return string(hash), nil
}

// Store is the persistence contract the relay consumes. Reads surface their
// errors; callers decide whether status-write failures matter.
type Store interface {
	StationByID(ctx context.Context, id string) (*Station, error)
	StationByName(ctx context.Context, name string) (*Station, error)
	ActiveStations(ctx context.Context) ([]Station, error)
	UpdateStationStatus(ctx context.Context, id string, status Status) error
	RoverByUsername(ctx context.Context, username string) (*Rover, error)
	TouchRoverConnection(ctx context.Context, id string, at time.Time) error
	Close(ctx context.Context) error
}

// StoreType selects a Store implementation.
type StoreType string

// The supported store kinds.
const (
	StoreTypeMemory  StoreType = "memory"
	StoreTypeMongoDB StoreType = "mongodb"
)

// StoreConfig configures NewStore.
type StoreConfig struct {
	Type          StoreType `json:"type"`
	MongoURI      string    `json:"mongo_uri,omitempty"`
	MongoDatabase string    `json:"mongo_database,omitempty"`
}

// NewStore builds the configured store. An empty type means memory.
func NewStore(ctx context.Context, cfg StoreConfig, logger golog.Logger) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeMongoDB:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	default:
		return nil, errors.Errorf("unknown store type %q", cfg.Type)
	}
}

// NewConfigValidationError returns a validation error occurring at a given
// path.
func NewConfigValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// NewConfigValidationFieldRequiredError returns a validation error for a
// required field missing at a given path.
func NewConfigValidationFieldRequiredError(path, field string) error {
	return NewConfigValidationError(path, errors.Errorf("%q is required", field))
}
