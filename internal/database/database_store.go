package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
)

// MongoStore keeps the archive in MongoDB
type MongoStore struct {
	db               *mongo.Database
	operationTimeout time.Duration
}

func NewMongoStore(db *mongo.Database, operationTimeout time.Duration) *MongoStore {
	return &MongoStore{db: db, operationTimeout: operationTimeout}
}

func (ms *MongoStore) insert(ctx context.Context, collection, runID string, document any) error {
	if runID == "" {
		return ErrRunIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	startTime := time.Now()
	_, err := ms.db.Collection(collection).InsertOne(ctx, document)
	logger.DebugF("%s insert cost: %v", collection, time.Since(startTime))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (ms *MongoStore) SaveReading(ctx context.Context, reading *Reading) error {
	return ms.insert(ctx, ReadingCollectionName, reading.RunID, reading)
}

func (ms *MongoStore) SaveDeliveryFailure(ctx context.Context, failure *DeliveryFailure) error {
	return ms.insert(ctx, DeliveryFailureCollectionName, failure.RunID, failure)
}

func (ms *MongoStore) SaveConnectionChange(ctx context.Context, change *ConnectionChange) error {
	return ms.insert(ctx, ConnectionCollectionName, change.RunID, change)
}

func readingQuery(filter ReadingFilter) bson.D {
	query := bson.D{}
	if filter.RunID != "" {
		query = append(query, bson.E{Key: "run_id", Value: filter.RunID})
	}
	if filter.Topic != nil {
		query = append(query, bson.E{Key: "topic", Value: *filter.Topic})
	}
	if filter.Publisher != nil {
		query = append(query, bson.E{Key: "publisher", Value: *filter.Publisher})
	}
	return query
}

func (ms *MongoStore) Readings(ctx context.Context, filter ReadingFilter) ([]Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := ms.db.Collection(ReadingCollectionName).Find(ctx, readingQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var readings []Reading
	if err := cursor.All(ctx, &readings); err != nil {
		return nil, fmt.Errorf("decoding readings: %w", err)
	}
	return readings, nil
}
