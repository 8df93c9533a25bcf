package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dogwatch/internal/model"
)

const (
	defaultMongoDatabase = "dogwatch"
	mongoCollection      = "items"
)

type mongoItem struct {
	ID        string `bson:"id"`
	CreatedAt string `bson:"created_at"`
	Text      string `bson:"text"`
	Notified  bool   `bson:"notified"`
}

// Mongo implements Storage backed by a MongoDB collection.
type Mongo struct {
	client     *mongo.Client
	coll       *mongo.Collection
	allowReset bool
}

// NewMongo connects to the MongoDB deployment at uri. The database name is
// taken from the URI path and defaults to "dogwatch".
func NewMongo(ctx context.Context, uri string, allowReset bool) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := &Mongo{
		client:     client,
		coll:       client.Database(mongoDatabase(uri)).Collection(mongoCollection),
		allowReset: allowReset,
	}
	if err := m.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultMongoDatabase
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		},
	}
	if _, err := m.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Put upserts item with $setOnInsert so an existing record keeps its flag.
func (m *Mongo) Put(ctx context.Context, item model.Item) error {
	id, createdAt := item.Key()
	doc := mongoItem{ID: id, CreatedAt: createdAt, Text: item.Text, Notified: item.Notified}
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"id": id, "created_at": createdAt},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	// A concurrent upsert of the same key loses the race on the unique index.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// Get returns the item stored under (id, createdAt), or nil if there is none.
func (m *Mongo) Get(ctx context.Context, id string, createdAt time.Time) (*model.Item, error) {
	var doc mongoItem
	err := m.coll.FindOne(ctx, bson.M{"id": id, "created_at": model.FormatTimestamp(createdAt)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	item, err := doc.toModel()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkNotified sets the notified flag of an existing item.
func (m *Mongo) MarkNotified(ctx context.Context, id string, createdAt time.Time) error {
	key := model.FormatTimestamp(createdAt)
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"id": id, "created_at": key},
		bson.M{"$set": bson.M{"notified": true}},
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mark notified %s@%s: %w", id, key, ErrNotFound)
	}
	return nil
}

// QueryNewerThan returns items created after t, oldest first.
func (m *Mongo) QueryNewerThan(ctx context.Context, t time.Time) ([]model.Item, error) {
	cur, err := m.coll.Find(ctx,
		bson.M{"created_at": bson.M{"$gt": model.FormatTimestamp(t)}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var items []model.Item
	for cur.Next(ctx) {
		var doc mongoItem
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		item, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, cur.Err()
}

// Reset drops the collection and recreates its indexes.
func (m *Mongo) Reset(ctx context.Context) error {
	if !m.allowReset {
		return ErrResetDisabled
	}
	if err := m.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	return m.ensureIndexes(ctx)
}

func (d mongoItem) toModel() (model.Item, error) {
	t, err := model.ParseTimestamp(d.CreatedAt)
	if err != nil {
		return model.Item{}, fmt.Errorf("decode item %s: %w", d.ID, err)
	}
	return model.Item{ID: d.ID, Text: d.Text, CreatedAt: t, Notified: d.Notified}, nil
}
