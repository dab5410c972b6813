package durable

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Raw document access for the replication service, which moves whole
// documents between instances without caring about their shape.

// Watch opens a change stream on the collection with full documents
// attached to update events.
func (m *Mongo) Watch(ctx context.Context, collection string, pipeline mongo.Pipeline) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := m.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("durable: watch %s: %w", collection, err)
	}
	return cs, nil
}

// FindRaw fetches one document by id.
func (m *Mongo) FindRaw(ctx context.Context, collection string, id any) (bson.M, error) {
	var doc bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find %s: %w", collection, err)
	}
	return doc, nil
}

// UpsertRaw replaces the document by id, inserting when absent.
func (m *Mongo) UpsertRaw(ctx context.Context, collection string, id any, doc bson.M) error {
	_, err := m.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("durable: upsert %s: %w", collection, err)
	}
	return nil
}

// DeleteRaw removes the document by id. Missing documents are fine.
func (m *Mongo) DeleteRaw(ctx context.Context, collection string, id any) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("durable: delete %s: %w", collection, err)
	}
	return nil
}

// ModifiedSince returns documents touched at or after the epoch-ms cutoff,
// whichever of the known time fields is present.
func (m *Mongo) ModifiedSince(ctx context.Context, collection string, sinceMS int64) ([]bson.M, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"updatedAt": bson.M{"$gte": sinceMS}},
		bson.M{"createdAt": bson.M{"$gte": sinceMS}},
		bson.M{"timestamp": bson.M{"$gte": sinceMS}},
	}}
	cur, err := m.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("durable: modified since %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("durable: decode %s: %w", collection, err)
	}
	return docs, nil
}
