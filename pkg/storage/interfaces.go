// Package storage provides interfaces for persistent storage.
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrFileNotFound       = errors.New("file not found")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetCredentialStore returns a store for provider API keys
	GetCredentialStore() CredentialStore

	// GetFileStore returns a store for uploaded documents
	GetFileStore() FileStore
}

// CredentialStore manages encrypted API key persistence
type CredentialStore interface {
	// SaveCredential creates or replaces the credential for a provider
	SaveCredential(credential Credential) error

	// GetCredential retrieves the credential for a provider
	GetCredential(provider string) (Credential, error)

	// ListCredentials returns every stored credential
	ListCredentials() ([]Credential, error)

	// DeleteCredential removes the credential for a provider
	DeleteCredential(provider string) error
}

// Credential is an encrypted provider API key
type Credential struct {
	// Provider is the LLM vendor name
	Provider string `json:"provider"`

	// EncryptedKey is the ciphertext of the API key
	EncryptedKey string `json:"encrypted_key"`

	// CreatedAt is when the credential was first stored
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the credential was last replaced
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore manages uploaded document persistence
type FileStore interface {
	// SaveFile persists a file
	SaveFile(file StoredFile) error

	// GetFile retrieves a file
	GetFile(id string) (StoredFile, error)

	// ListFiles returns every file, oldest first
	ListFiles() ([]StoredFile, error)

	// DeleteFile removes a file
	DeleteFile(id string) error
}

// StoredFile is an uploaded document and its extracted text
type StoredFile struct {
	ID          string    `json:"file_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Content     string    `json:"content"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
