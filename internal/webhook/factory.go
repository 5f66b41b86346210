package webhook

import (
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"orderhooks/internal/constants"
)

// NewEventStore returns the event store selected by webhook.event_store.
func NewEventStore(kind string, db *sql.DB, mongoDB *mongo.Database) (EventStore, error) {
	switch kind {
	case "", constants.EventStorePostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres event store requires a database connection")
		}
		return NewPostgresEventStore(db), nil
	case constants.EventStoreMongoDB:
		if mongoDB == nil {
			return nil, fmt.Errorf("mongodb event store requires a mongodb connection")
		}
		return NewMongoEventStore(mongoDB), nil
	default:
		return nil, fmt.Errorf("unknown event store: %s", kind)
	}
}
