package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps stations and rovers in process memory. It is the default
// store, the development fixture, and the store every test runs against.
type MemoryStore struct {
	mu       sync.RWMutex
	stations map[string]*Station // keyed by id
	rovers   map[string]*Rover   // keyed by username
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations: map[string]*Station{},
		rovers:   map[string]*Rover{},
	}
}

// AddStation inserts or replaces a station, minting an id when absent, and
// returns the stored copy.
func (m *MemoryStore) AddStation(station Station) Station {
	m.mu.Lock()
	defer m.mu.Unlock()
	if station.ID == "" {
		station.ID = uuid.NewString()
	}
	m.stations[station.ID] = &station
	return station
}

// AddRover inserts or replaces a rover, minting an id when absent, and
// returns the stored copy.
func (m *MemoryStore) AddRover(rover Rover) Rover {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rover.ID == "" {
		rover.ID = uuid.NewString()
	}
	m.rovers[rover.Username] = &rover
	return rover
}

// StationByID implements Store.
func (m *MemoryStore) StationByID(ctx context.Context, id string) (*Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	station, ok := m.stations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *station
	return &copied, nil
}

// StationByName implements Store.
func (m *MemoryStore) StationByName(ctx context.Context, name string) (*Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, station := range m.stations {
		if station.Name == name {
			copied := *station
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// ActiveStations implements Store. Results are sorted by mountpoint name so
// reconciliation and sourcetable rendering are deterministic.
func (m *MemoryStore) ActiveStations(ctx context.Context) ([]Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []Station
	for _, station := range m.stations {
		if station.Status == StatusActive {
			active = append(active, *station)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active, nil
}

// UpdateStationStatus implements Store.
func (m *MemoryStore) UpdateStationStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	station, ok := m.stations[id]
	if !ok {
		return ErrNotFound
	}
	station.Status = status
	return nil
}

// RoverByUsername implements Store.
func (m *MemoryStore) RoverByUsername(ctx context.Context, username string) (*Rover, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rover, ok := m.rovers[username]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rover
	return &copied, nil
}

// TouchRoverConnection implements Store.
func (m *MemoryStore) TouchRoverConnection(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rover := range m.rovers {
		if rover.ID == id {
			stamp := at
			rover.LastConnection = &stamp
			return nil
		}
	}
	return ErrNotFound
}

// Close implements Store.
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}
