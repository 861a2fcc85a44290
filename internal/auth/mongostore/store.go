// Package mongostore persists WhatsApp auth state in a MongoDB collection,
// one document {key, data} per logical key.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Config holds the connection descriptor for the auth-state collection.
type Config struct {
	URL            string
	DatabaseName   string
	CollectionName string

	ConnectTimeout  time.Duration
	ConnectAttempts uint64
	RetryInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

// Store is a lazily connected document store. The client handle is owned
// by the Store; Close and Destroy return it to the unconnected state so a
// later call reconnects.
type Store struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
}

// New creates a Store. No connection is made until first use.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg: cfg.withDefaults(),
		log: logger.With("component", "mongostore", "collection", cfg.CollectionName),
	}
}

// Connected reports whether the store currently holds a client handle.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Store) handle(ctx context.Context) (*mongo.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client

	coll := client.Database(s.cfg.DatabaseName).Collection(s.cfg.CollectionName)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		s.log.Warn("Failed to ensure key index", "error", err)
	}

	s.log.Info("MongoDB client connected")
	return client, nil
}

func (s *Store) connect(ctx context.Context) (*mongo.Client, error) {
	var client *mongo.Client
	operation := func() error {
		c, err := mongo.Connect(
			options.Client().
				ApplyURI(s.cfg.URL).
				SetConnectTimeout(s.cfg.ConnectTimeout).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.Ping(ctx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			s.log.Warn("MongoDB ping failed, retrying", "error", err)
			return err
		}
		client = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), s.cfg.ConnectAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Join(ErrFailedToConnect, err)
	}
	return client, nil
}

func (s *Store) collection(ctx context.Context) (*mongo.Collection, error) {
	client, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.cfg.DatabaseName).Collection(s.cfg.CollectionName), nil
}

// WriteData upserts value under key.
func (s *Store) WriteData(ctx context.Context, key string, value any) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.UpdateOne(ctx,
		bson.D{{Key: "key", Value: key}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "key", Value: key}, {Key: "data", Value: value}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", key, err)
	}
	return nil
}

// ReadData returns the normalized value stored under key, or nil if absent.
func (s *Store) ReadData(ctx context.Context, key string) (any, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Data any `bson:"data"`
	}
	err = coll.FindOne(ctx, bson.D{{Key: "key", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return Normalize(doc.Data), nil
}

// RemoveData deletes key. Deleting an absent key is not an error.
func (s *Store) RemoveData(ctx context.Context, key string) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, bson.D{{Key: "key", Value: key}}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Destroy drops the collection if it exists and always releases the client.
func (s *Store) Destroy(ctx context.Context) error {
	client, err := s.handle(ctx)
	if err != nil {
		return err
	}

	dropErr := s.drop(ctx, client.Database(s.cfg.DatabaseName))
	return errors.Join(dropErr, s.Close(ctx))
}

func (s *Store) drop(ctx context.Context, db *mongo.Database) error {
	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: s.cfg.CollectionName}})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	if len(names) == 0 {
		s.log.Info("Collection does not exist, nothing to drop")
		return nil
	}
	if err := db.Collection(s.cfg.CollectionName).Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	s.log.Info("Collection dropped")
	return nil
}

// Close releases the client handle without touching stored data.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	s.log.Info("MongoDB connection closed")
	return nil
}

// Ping checks connectivity, connecting first if needed.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.handle(ctx)
	if err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

// Logout drops the auth-state collection described by cfg using a
// short-lived Store.
func Logout(ctx context.Context, cfg Config, logger *slog.Logger) error {
	return New(cfg, logger).Destroy(ctx)
}
