package services

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/workspace-pooler/config"
)

func TestNewRedisClient_Unreachable(t *testing.T) {
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Address: "127.0.0.1:1", PoolSize: 1})
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestCloseRedisClient_Nil(t *testing.T) {
	assert.NoError(t, CloseRedisClient(nil))
}

func TestNewRedisClient_Live(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if os.Getenv("INTEGRATION") == "" || addr == "" {
		t.Skip("Skipping integration test: set INTEGRATION and REDIS_ADDRESS to run")
	}
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Address: addr, PoolSize: 2, PoolTimeout: 1})
	require.NoError(t, err)
	assert.NoError(t, CloseRedisClient(client))
}
