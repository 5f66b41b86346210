package migrations

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orderhooks/internal/constants"
)

// EnsureMongoEventIndexes creates the indexes used by the MongoDB event store.
// The collection itself is created on first insert.
func EnsureMongoEventIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.MongoEventsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_webhook_events_type_created"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_webhook_events_created_at"),
		},
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetName("idx_webhook_events_idempotency_key"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !mongo.IsDuplicateKeyError(err) && !isIndexExists(err) {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}

func isIndexExists(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// IndexOptionsConflict, IndexKeySpecsConflict
		return cmdErr.Code == 85 || cmdErr.Code == 86
	}
	return false
}
