package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProvider implements the StorageProvider interface using Redis hashes
type RedisProvider struct {
	client          *redis.Client
	credentialStore *RedisCredentialStore
	fileStore       *RedisFileStore
}

// RedisProviderConfig contains configuration for the Redis provider
type RedisProviderConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

const redisOpTimeout = 5 * time.Second

// NewRedisProvider creates a new Redis storage provider
func NewRedisProvider(config RedisProviderConfig) (*RedisProvider, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisProvider{
		client:          client,
		credentialStore: &RedisCredentialStore{client: client, key: config.KeyPrefix + "credentials"},
		fileStore:       &RedisFileStore{client: client, key: config.KeyPrefix + "files"},
	}, nil
}

// Initialize verifies the server is reachable
func (p *RedisProvider) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// GetCredentialStore returns a store for provider API keys
func (p *RedisProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// GetFileStore returns a store for uploaded documents
func (p *RedisProvider) GetFileStore() FileStore {
	return p.fileStore
}

// RedisCredentialStore keeps one JSON credential per provider in a hash
type RedisCredentialStore struct {
	client *redis.Client
	key    string
}

// SaveCredential creates or replaces the credential for a provider
func (s *RedisCredentialStore) SaveCredential(credential Credential) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	now := time.Now()
	existing, err := s.get(ctx, credential.Provider)
	switch {
	case err == nil:
		credential.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrCredentialNotFound):
		if credential.CreatedAt.IsZero() {
			credential.CreatedAt = now
		}
	default:
		return err
	}
	credential.UpdatedAt = now

	data, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, credential.Provider, data).Err(); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the credential for a provider
func (s *RedisCredentialStore) GetCredential(provider string) (Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.get(ctx, provider)
}

func (s *RedisCredentialStore) get(ctx context.Context, provider string) (Credential, error) {
	data, err := s.client.HGet(ctx, s.key, provider).Bytes()
	if err == redis.Nil {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}

	var credential Credential
	if err := json.Unmarshal(data, &credential); err != nil {
		return Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return credential, nil
}

// ListCredentials returns every stored credential ordered by provider
func (s *RedisCredentialStore) ListCredentials() ([]Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	list := make([]Credential, 0, len(entries))
	for provider, raw := range entries {
		var credential Credential
		if err := json.Unmarshal([]byte(raw), &credential); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential %s: %w", provider, err)
		}
		list = append(list, credential)
	}
	sortCredentials(list)
	return list, nil
}

// DeleteCredential removes the credential for a provider
func (s *RedisCredentialStore) DeleteCredential(provider string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	removed, err := s.client.HDel(ctx, s.key, provider).Result()
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if removed == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// RedisFileStore keeps one JSON document per file in a hash
type RedisFileStore struct {
	client *redis.Client
	key    string
}

// SaveFile persists a file
func (s *RedisFileStore) SaveFile(file StoredFile) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal file: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, file.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

// GetFile retrieves a file
func (s *RedisFileStore) GetFile(id string) (StoredFile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.key, id).Bytes()
	if err == redis.Nil {
		return StoredFile{}, ErrFileNotFound
	}
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to get file: %w", err)
	}

	var file StoredFile
	if err := json.Unmarshal(data, &file); err != nil {
		return StoredFile{}, fmt.Errorf("failed to unmarshal file: %w", err)
	}
	return file, nil
}

// ListFiles returns every file, oldest first
func (s *RedisFileStore) ListFiles() ([]StoredFile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	list := make([]StoredFile, 0, len(entries))
	for id, raw := range entries {
		var file StoredFile
		if err := json.Unmarshal([]byte(raw), &file); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", id, err)
		}
		list = append(list, file)
	}
	sortFiles(list)
	return list, nil
}

// DeleteFile removes a file
func (s *RedisFileStore) DeleteFile(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	removed, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if removed == 0 {
		return ErrFileNotFound
	}
	return nil
}
