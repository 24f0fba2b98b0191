// Package store encapsulates MongoDB and Redis client management.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_member_bot/internal/config"
)

// Collection names used across the bot.
const (
	CollectionMembers  = "members"
	CollectionAdmins   = "admins"
	CollectionPayments = "payments"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Members returns the member accounts collection.
func (m *Manager) Members() *mongo.Collection {
	return m.Collection(CollectionMembers)
}

// Admins returns the administrator accounts collection.
func (m *Manager) Admins() *mongo.Collection {
	return m.Collection(CollectionAdmins)
}

// Payments returns the payments collection.
func (m *Manager) Payments() *mongo.Collection {
	return m.Collection(CollectionPayments)
}

// Ping verifies the primary is reachable. It backs the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// EnsureIndexes creates the indexes the directory, ledger and scheduler rely
// on. Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	// A chat identity maps to at most one account per collection. Unlinked
	// accounts have no telegram_id and are skipped by the sparse index.
	accountIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "telegram_id", Value: 1}},
			Options: options.Index().
				SetName("telegram_id_unique").
				SetUnique(true).
				SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().
				SetName("email_unique").
				SetUnique(true),
		},
	}

	for _, coll := range []*mongo.Collection{m.Members(), m.Admins()} {
		if _, err := createIndexes(ctx, coll, accountIndexes); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll.Name(), err)
		}
	}

	paymentIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("account_status"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expiration_date", Value: 1}},
			Options: options.Index().SetName("status_expiration"),
		},
	}

	if _, err := createIndexes(ctx, m.Payments(), paymentIndexes); err != nil {
		return fmt.Errorf("create %s indexes: %w", CollectionPayments, err)
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
