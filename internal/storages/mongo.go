package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const KVCollection = "kv_store"

type kvDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type MongoKV struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoKV(client *mongo.Client, coll *mongo.Collection) *MongoKV {
	return &MongoKV{
		client: client,
		coll:   coll,
	}
}

// ConnectMongoKV connects to uri and uses the kv_store collection of database.
func ConnectMongoKV(ctx context.Context, uri, database string) (*MongoKV, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return NewMongoKV(client, client.Database(database).Collection(KVCollection)), nil
}

func (m *MongoKV) Get(ctx context.Context, key string) ([]byte, error) {
	var doc kvDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, err
	}
	return []byte(doc.Value), nil
}

func (m *MongoKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		newKVDocument(key, value),
		options.Replace().SetUpsert(true),
	)
	return err
}

func (m *MongoKV) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	_, err := m.coll.InsertOne(ctx, newKVDocument(key, value))
	if mongo.IsDuplicateKeyError(err) {
		return ErrKeyExists
	}
	return err
}

func (m *MongoKV) Delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (m *MongoKV) Begin(ctx context.Context) (Tx, error) {
	return newBufferedTx(ctx, m, m), nil
}

func (m *MongoKV) applyBatch(ctx context.Context, writes []write) error {
	models := make([]mongo.WriteModel, 0, len(writes))
	for _, w := range writes {
		switch w.kind {
		case writePut:
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": w.key}).
				SetReplacement(newKVDocument(w.key, w.value)).
				SetUpsert(true))
		case writePutIfAbsent:
			models = append(models, mongo.NewInsertOneModel().
				SetDocument(newKVDocument(w.key, w.value)))
		case writeDelete:
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.M{"_id": w.key}))
		}
	}

	_, err := m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrKeyExists
	}
	return err
}

func (m *MongoKV) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func newKVDocument(key string, value []byte) kvDocument {
	return kvDocument{
		Key:       key,
		Value:     string(value),
		UpdatedAt: time.Now().UTC(),
	}
}
