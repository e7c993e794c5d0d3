// Package mongodb contains a MongoDB implementation of the KV repository.
package mongodb

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "kv"

type kvDoc struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// KVRepo implements repository.KV on a single collection keyed by _id.
type KVRepo struct {
	collection *mongo.Collection
}

var _ repository.KV = (*KVRepo)(nil)

func NewKVRepo(db *mongo.Database) *KVRepo {
	return &KVRepo{
		collection: db.Collection(collectionName),
	}
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	doc := kvDoc{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *KVRepo) Remove(ctx context.Context, key string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (r *KVRepo) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	cur, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []kvDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(docs))
	for _, d := range docs {
		out[d.Key] = d.Value
	}
	return out, nil
}
