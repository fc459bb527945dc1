package storage

import (
	"sort"
	"sync"
	"time"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	credentialStore *MemoryCredentialStore
	fileStore       *MemoryFileStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		credentialStore: NewMemoryCredentialStore(),
		fileStore:       NewMemoryFileStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetCredentialStore returns a store for provider API keys
func (p *MemoryProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// GetFileStore returns a store for uploaded documents
func (p *MemoryProvider) GetFileStore() FileStore {
	return p.fileStore
}

// MemoryCredentialStore implements the CredentialStore interface using in-memory storage
type MemoryCredentialStore struct {
	credentials map[string]Credential
	mu          sync.RWMutex
}

// NewMemoryCredentialStore creates a new in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		credentials: make(map[string]Credential),
	}
}

// SaveCredential creates or replaces the credential for a provider
func (s *MemoryCredentialStore) SaveCredential(credential Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.credentials[credential.Provider]; ok {
		credential.CreatedAt = existing.CreatedAt
	} else if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	credential.UpdatedAt = now

	s.credentials[credential.Provider] = credential
	return nil
}

// GetCredential retrieves the credential for a provider
func (s *MemoryCredentialStore) GetCredential(provider string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.credentials[provider]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return credential, nil
}

// ListCredentials returns every stored credential ordered by provider
func (s *MemoryCredentialStore) ListCredentials() ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Credential, 0, len(s.credentials))
	for _, credential := range s.credentials {
		list = append(list, credential)
	}
	sortCredentials(list)
	return list, nil
}

// DeleteCredential removes the credential for a provider
func (s *MemoryCredentialStore) DeleteCredential(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[provider]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials, provider)
	return nil
}

// MemoryFileStore implements the FileStore interface using in-memory storage
type MemoryFileStore struct {
	files map[string]StoredFile
	mu    sync.RWMutex
}

// NewMemoryFileStore creates a new in-memory file store
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{
		files: make(map[string]StoredFile),
	}
}

// SaveFile persists a file
func (s *MemoryFileStore) SaveFile(file StoredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.ID] = file
	return nil
}

// GetFile retrieves a file
func (s *MemoryFileStore) GetFile(id string) (StoredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.files[id]
	if !ok {
		return StoredFile{}, ErrFileNotFound
	}
	return file, nil
}

// ListFiles returns every file, oldest first
func (s *MemoryFileStore) ListFiles() ([]StoredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]StoredFile, 0, len(s.files))
	for _, file := range s.files {
		list = append(list, file)
	}
	sortFiles(list)
	return list, nil
}

// DeleteFile removes a file
func (s *MemoryFileStore) DeleteFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return ErrFileNotFound
	}
	delete(s.files, id)
	return nil
}

func sortFiles(list []StoredFile) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UploadedAt.Equal(list[j].UploadedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UploadedAt.Before(list[j].UploadedAt)
	})
}

func sortCredentials(list []Credential) {
	sort.Slice(list, func(i, j int) bool { return list[i].Provider < list[j].Provider })
}
