package mongo

import (
	"context"
	"fmt"
	"sync"

	"github.com/meepleai/meeple-backend/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	database *mongo.Database
	cli      *mongo.Client
	once     sync.Once
	initErr  error
)

// GetDatabase initializes and returns the MongoDB database handle used by
// the task audit store. The connection is established once per process.
func GetDatabase(ctx context.Context, cfg *config.MongoConfig) (*mongo.Database, error) {
	once.Do(func() {
		opts := options.Client().ApplyURI(fmt.Sprintf("mongodb://%s", cfg.Address))
		if cfg.Username != "" {
			opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
		}

		c, err := mongo.Connect(ctx, opts)
		if err != nil {
			initErr = fmt.Errorf("cannot connect to MongoDB: %w", err)
			return
		}
		if err := c.Ping(ctx, readpref.Primary()); err != nil {
			initErr = fmt.Errorf("MongoDB ping failed: %w", err)
			return
		}

		cli = c
		database = c.Database(cfg.Database)
	})
	return database, initErr
}

// Close shuts down the singleton MongoDB connection.
func Close(ctx context.Context) error {
	if cli != nil {
		return cli.Disconnect(ctx)
	}
	return nil
}

// HealthCheck pings MongoDB.
func HealthCheck(ctx context.Context) error {
	if cli == nil {
		return fmt.Errorf("mongo client not initialized")
	}
	return cli.Ping(ctx, readpref.Primary())
}
