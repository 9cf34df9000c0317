package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const cartsCollection = "carts"

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

type cartDocument struct {
	SessionID string          `bson:"_id"`
	Entries   []entryDocument `bson:"entries"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

type entryDocument struct {
	ProductID int64     `bson:"product_id"`
	UnitPrice string    `bson:"unit_price"`
	AddedAt   time.Time `bson:"added_at"`
}

// MongoRepository stores each session's cart as one document, so a save is
// a single atomic document replace.
type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(cartsCollection)}
}

// CreateIndexes adds the index used to expire abandoned carts by age.
func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoRepository) Load(ctx context.Context, sessionID string) ([]domain.Entry, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	entries := make([]domain.Entry, 0, len(doc.Entries))
	for _, d := range doc.Entries {
		price, err := decimal.NewFromString(d.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price %q: %w", d.UnitPrice, err)
		}
		entries = append(entries, domain.Entry{ProductID: d.ProductID, UnitPrice: price, AddedAt: d.AddedAt.UTC()})
	}
	return entries, nil
}

func (m *MongoRepository) Save(ctx context.Context, sessionID string, entries []domain.Entry) error {
	if len(entries) == 0 {
		if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
			return fmt.Errorf("failed to delete cart: %w", err)
		}
		return nil
	}

	doc := cartDocument{SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, entryDocument{
			ProductID: e.ProductID,
			UnitPrice: e.UnitPrice.String(),
			AddedAt:   e.AddedAt,
		})
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": sessionID}, doc, opts); err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}
