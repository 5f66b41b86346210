package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orderhooks/internal/constants"
	pkgerrors "orderhooks/pkg/errors"
)

// MongoEventStore keeps events in a collection keyed by event id.
type MongoEventStore struct {
	collection *mongo.Collection
}

func NewMongoEventStore(db *mongo.Database) *MongoEventStore {
	// Nested payload documents decode as maps so they render as JSON objects.
	opts := options.Collection().SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	return &MongoEventStore{
		collection: db.Collection(constants.MongoEventsCollection, opts),
	}
}

func (s *MongoEventStore) Save(ctx context.Context, event *Event) error {
	doc := *event
	if doc.Payload == nil {
		doc.Payload = map[string]interface{}{}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = nowUTC()
	}

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return pkgerrors.Storage("save event", err)
	}
	return nil
}

func (s *MongoEventStore) Get(ctx context.Context, id string) (*Event, error) {
	var event Event
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("event %s not found", id))
	}
	if err != nil {
		return nil, pkgerrors.Storage("get event", err)
	}
	event.Timestamp = event.Timestamp.UTC()
	return &event, nil
}

func (s *MongoEventStore) List(ctx context.Context, q EventQuery) ([]Event, error) {
	filter := bson.M{}
	if q.EventType != "" {
		filter["event_type"] = q.EventType
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(normalizeLimit(q.Limit))).
		SetSkip(int64(q.Offset))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, pkgerrors.Storage("list events", err)
	}
	defer cursor.Close(ctx)

	events := make([]Event, 0)
	if err := cursor.All(ctx, &events); err != nil {
		return nil, pkgerrors.Storage("decode events", err)
	}
	return events, nil
}
