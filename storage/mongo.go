package storage

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
)

const (
	stationsCollection  = "stations"
	roversCollection    = "rovers"
	mongoConnectTimeout = 10 * time.Second
)

// MongoStore persists stations and rovers in MongoDB.
type MongoStore struct {
	client   *mongo.Client
	stations *mongo.Collection
	rovers   *mongo.Collection
	logger   golog.Logger
}

// NewMongoStore connects to MongoDB, verifies the connection, and ensures
// the unique indexes on station name and rover username.
func NewMongoStore(ctx context.Context, uri, database string, logger golog.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is required")
	}
	if database == "" {
		database = "ntrip"
	}

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	client, err := mongo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "configuring mongodb client")
	}
	if err := client.Connect(connectCtx); err != nil {
		return nil, errors.Wrap(err, "connecting to mongodb")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, multierr.Combine(
			errors.Wrap(err, "pinging mongodb"),
			client.Disconnect(connectCtx),
		)
	}

	db := client.Database(database)
	store := &MongoStore{
		client:   client,
		stations: db.Collection(stationsCollection),
		rovers:   db.Collection(roversCollection),
		logger:   logger,
	}
	if err := store.ensureIndexes(connectCtx); err != nil {
		return nil, multierr.Combine(err, client.Disconnect(connectCtx))
	}
	logger.Infow("connected to mongodb store", "database", database)
	return store, nil
}

func (m *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := m.stations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "creating station name index")
	}
	_, err = m.rovers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "creating rover username index")
}

// StationByID implements Store.
func (m *MongoStore) StationByID(ctx context.Context, id string) (*Station, error) {
	var station Station
	if err := m.stations.FindOne(ctx, bson.M{"_id": id}).Decode(&station); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "finding station by id")
	}
	return &station, nil
}

// StationByName implements Store.
func (m *MongoStore) StationByName(ctx context.Context, name string) (*Station, error) {
	var station Station
	if err := m.stations.FindOne(ctx, bson.M{"name": name}).Decode(&station); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "finding station by name")
	}
	return &station, nil
}

// ActiveStations implements Store.
func (m *MongoStore) ActiveStations(ctx context.Context) ([]Station, error) {
	cursor, err := m.stations.Find(ctx, bson.M{"status": StatusActive},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "finding active stations")
	}
	var stations []Station
	if err := cursor.All(ctx, &stations); err != nil {
		return nil, errors.Wrap(err, "decoding active stations")
	}
	return stations, nil
}

// UpdateStationStatus implements Store.
func (m *MongoStore) UpdateStationStatus(ctx context.Context, id string, status Status) error {
	res, err := m.stations.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return errors.Wrap(err, "updating station status")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RoverByUsername implements Store.
func (m *MongoStore) RoverByUsername(ctx context.Context, username string) (*Rover, error) {
	var rover Rover
	if err := m.rovers.FindOne(ctx, bson.M{"username": username}).Decode(&rover); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "finding rover by username")
	}
	return &rover, nil
}

// TouchRoverConnection implements Store.
func (m *MongoStore) TouchRoverConnection(ctx context.Context, id string, at time.Time) error {
	res, err := m.rovers.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_connection": at}})
	if err != nil {
		return errors.Wrap(err, "updating rover last connection")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
