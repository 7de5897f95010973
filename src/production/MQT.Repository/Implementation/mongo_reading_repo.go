package implementation

import (
	"context"
	"encoding/json"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoReadingRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoReadingRepository(coll *mongo.Collection, timeout time.Duration) *MongoReadingRepository {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MongoReadingRepository{coll: coll, timeout: timeout}
}

// readingDocument keeps custom_data as its JSON text so the payload round-trips untouched.
type readingDocument struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	DeviceID    string             `bson:"device_id"`
	Temperature *string            `bson:"temperature,omitempty"`
	Humidity    *string            `bson:"humidity,omitempty"`
	Pressure    *string            `bson:"pressure,omitempty"`
	Light       *string            `bson:"light,omitempty"`
	Motion      *string            `bson:"motion,omitempty"`
	Distance    *string            `bson:"distance,omitempty"`
	CustomData  string             `bson:"custom_data,omitempty"`
	Ts          time.Time          `bson:"ts"`
}

func (d readingDocument) toModel() mqtmodels.StoredReading {
	var custom json.RawMessage
	if d.CustomData != "" {
		custom = json.RawMessage(d.CustomData)
	}
	return mqtmodels.StoredReading{
		ID:       d.ID.Hex(),
		DeviceID: d.DeviceID,
		SensorReading: mqtmodels.SensorReading{
			Temperature: d.Temperature,
			Humidity:    d.Humidity,
			Pressure:    d.Pressure,
			Light:       d.Light,
			Motion:      d.Motion,
			Distance:    d.Distance,
			CustomData:  custom,
		},
		Timestamp: d.Ts.UTC(),
	}
}

// EnsureIndexes creates the per-device history index.
func (r *MongoReadingRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "ts", Value: -1}},
	})
	return err
}

func (r *MongoReadingRepository) PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	f := reading.Reading
	doc := readingDocument{
		ID:          primitive.NewObjectID(),
		DeviceID:    reading.DeviceID,
		Temperature: f.Temperature,
		Humidity:    f.Humidity,
		Pressure:    f.Pressure,
		Light:       f.Light,
		Motion:      f.Motion,
		Distance:    f.Distance,
		CustomData:  string(f.CustomData),
		// BSON dates carry millisecond precision
		Ts: reading.ReceivedAt.UTC().Truncate(time.Millisecond),
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return mqtmodels.StoredReading{}, err
	}
	return doc.toModel(), nil
}

func (r *MongoReadingRepository) ListReadingsByDevice(ctx context.Context, deviceID string, limit int) ([]mqtmodels.StoredReading, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(interfaces.ClampHistoryLimit(limit)))

	cursor, err := r.coll.Find(ctx, bson.M{"device_id": deviceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []readingDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	readings := make([]mqtmodels.StoredReading, 0, len(docs))
	for _, doc := range docs {
		readings = append(readings, doc.toModel())
	}
	return readings, nil
}

func (r *MongoReadingRepository) DeleteReadingsByDevice(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.coll.DeleteMany(ctx, bson.M{"device_id": deviceID})
	return err
}
