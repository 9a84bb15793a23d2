package store

import (
	"context"
	"fmt"

	"github.com/ilnaes/gopad-rebase/internal/ot"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type historyRecord struct {
	DocID string `bson:"docId"`
	Index int    `bson:"index"`
	Body  []byte `bson:"body"` // CBOR encoded ot.Change
}

// MongoStore keeps one document per history entry, unique on (docId, index).
type MongoStore struct {
	client  *mongo.Client
	history *mongo.Collection
}

// ConnectMongo dials uri and prepares the history collection of database.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := &MongoStore{client: client, history: client.Database(database).Collection("history")}
	_, err = s.history.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "docId", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("creating history index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Append(ctx context.Context, docID string, index int, change *ot.Change) error {
	body, err := ot.EncodeBinary(change)
	if err != nil {
		return err
	}

	n, err := s.history.CountDocuments(ctx, bson.D{{Key: "docId", Value: docID}})
	if err != nil {
		return err
	}
	if int(n) != index {
		return fmt.Errorf("%w: append at %d, have %d", ErrIndexConflict, index, n)
	}

	_, err = s.history.InsertOne(ctx, historyRecord{DocID: docID, Index: index, Body: body})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: entry %d of %s already written", ErrIndexConflict, index, docID)
	}
	return err
}

func (s *MongoStore) Load(ctx context.Context, docID string) ([]*ot.Change, error) {
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}})
	cursor, err := s.history.Find(ctx, bson.D{{Key: "docId", Value: docID}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var bodies [][]byte
	for cursor.Next(ctx) {
		var rec historyRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		if rec.Index != len(bodies) {
			return nil, fmt.Errorf("history of %s skips from %d to %d", docID, len(bodies), rec.Index)
		}
		bodies = append(bodies, rec.Body)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return decodeAll(bodies)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
