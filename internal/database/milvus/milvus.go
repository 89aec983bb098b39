package milvus

import (
	"context"
	"fmt"
	"sync"

	"github.com/meepleai/meeple-backend/internal/config"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
)

var (
	instance *MilvusClient
	once     sync.Once
	initErr  error
)

// MilvusClient wraps the raw Milvus SDK client together with its
// configuration. Collection schema management lives in the vectorstore
// adapter; this wrapper only owns the connection.
type MilvusClient struct {
	Client client.Client
	Config *config.MilvusConfig
}

// GetClient initializes and returns the Milvus client. The connection is
// established once per process.
func GetClient(ctx context.Context, cfg *config.MilvusConfig) (*MilvusClient, error) {
	once.Do(func() {
		c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
		if err != nil {
			initErr = fmt.Errorf("cannot connect to Milvus: %w", err)
			return
		}
		instance = &MilvusClient{Client: c, Config: cfg}
	})
	return instance, initErr
}

// Close shuts down the Milvus connection.
func (c *MilvusClient) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

// HealthCheck verifies the Milvus connection by listing collections.
func (c *MilvusClient) HealthCheck(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("milvus client is nil")
	}
	if _, err := c.Client.ListCollections(ctx); err != nil {
		return fmt.Errorf("milvus health check failed: %w", err)
	}
	return nil
}
