package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Load .env file from project root
	_ = godotenv.Load("../../.env")
}

func TestNewProvider(t *testing.T) {
	memoryProvider, err := NewProvider(ProviderConfig{Type: MemoryProviderType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryProvider{}, memoryProvider)

	_, err = NewProvider(ProviderConfig{Type: RedisProviderType})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: PostgreSQLProviderType})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: "dynamodb"})
	assert.Error(t, err)

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	redisProvider, err := NewProvider(ProviderConfig{
		Type:  RedisProviderType,
		Redis: &RedisProviderConfig{Addr: s.Addr(), KeyPrefix: "test:"},
	})
	require.NoError(t, err)
	assert.IsType(t, &RedisProvider{}, redisProvider)
	require.NoError(t, redisProvider.Initialize())
	require.NoError(t, redisProvider.Close())
}
