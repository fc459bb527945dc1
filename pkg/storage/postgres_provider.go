package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db              *sql.DB
	credentialStore *PostgreSQLCredentialStore
	fileStore       *PostgreSQLFileStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	// Set default port if not specified
	if config.Port == 0 {
		config.Port = 5432
	}

	// Set default SSL mode if not specified
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQLProvider{
		db:              db,
		credentialStore: NewPostgreSQLCredentialStore(db),
		fileStore:       NewPostgreSQLFileStore(db),
	}, nil
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	if err := p.credentialStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	if err := p.fileStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize file store: %w", err)
	}

	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetCredentialStore returns a store for provider API keys
func (p *PostgreSQLProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// GetFileStore returns a store for uploaded documents
func (p *PostgreSQLProvider) GetFileStore() FileStore {
	return p.fileStore
}

// PostgreSQLCredentialStore implements the CredentialStore interface using PostgreSQL
type PostgreSQLCredentialStore struct {
	db *sql.DB
}

// NewPostgreSQLCredentialStore creates a new PostgreSQL credential store
func NewPostgreSQLCredentialStore(db *sql.DB) *PostgreSQLCredentialStore {
	return &PostgreSQLCredentialStore{
		db: db,
	}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLCredentialStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS crew_credentials (
			provider TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create crew_credentials table: %w", err)
	}

	return nil
}

// SaveCredential creates or replaces the credential for a provider
func (s *PostgreSQLCredentialStore) SaveCredential(credential Credential) error {
	now := time.Now()

	_, err := s.db.Exec(`
		INSERT INTO crew_credentials (provider, encrypted_key, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (provider) DO UPDATE SET encrypted_key = EXCLUDED.encrypted_key, updated_at = EXCLUDED.updated_at`,
		credential.Provider, credential.EncryptedKey, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

// GetCredential retrieves the credential for a provider
func (s *PostgreSQLCredentialStore) GetCredential(provider string) (Credential, error) {
	var credential Credential

	err := s.db.QueryRow(
		"SELECT provider, encrypted_key, created_at, updated_at FROM crew_credentials WHERE provider = $1",
		provider,
	).Scan(&credential.Provider, &credential.EncryptedKey, &credential.CreatedAt, &credential.UpdatedAt)
	if err == sql.ErrNoRows {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}

	return credential, nil
}

// ListCredentials returns every stored credential ordered by provider
func (s *PostgreSQLCredentialStore) ListCredentials() ([]Credential, error) {
	rows, err := s.db.Query("SELECT provider, encrypted_key, created_at, updated_at FROM crew_credentials ORDER BY provider")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var list []Credential
	for rows.Next() {
		var credential Credential
		if err := rows.Scan(&credential.Provider, &credential.EncryptedKey, &credential.CreatedAt, &credential.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		list = append(list, credential)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return list, nil
}

// DeleteCredential removes the credential for a provider
func (s *PostgreSQLCredentialStore) DeleteCredential(provider string) error {
	result, err := s.db.Exec("DELETE FROM crew_credentials WHERE provider = $1", provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// PostgreSQLFileStore implements the FileStore interface using PostgreSQL
type PostgreSQLFileStore struct {
	db *sql.DB
}

// NewPostgreSQLFileStore creates a new PostgreSQL file store
func NewPostgreSQLFileStore(db *sql.DB) *PostgreSQLFileStore {
	return &PostgreSQLFileStore{
		db: db,
	}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLFileStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS uploaded_files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			content TEXT NOT NULL,
			uploaded_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create uploaded_files table: %w", err)
	}

	return nil
}

// SaveFile persists a file
func (s *PostgreSQLFileStore) SaveFile(file StoredFile) error {
	_, err := s.db.Exec(`
		INSERT INTO uploaded_files (id, filename, content_type, size, content, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET filename = EXCLUDED.filename, content_type = EXCLUDED.content_type,
			size = EXCLUDED.size, content = EXCLUDED.content`,
		file.ID, file.Filename, file.ContentType, file.Size, file.Content, file.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}

	return nil
}

// GetFile retrieves a file
func (s *PostgreSQLFileStore) GetFile(id string) (StoredFile, error) {
	var file StoredFile

	err := s.db.QueryRow(
		"SELECT id, filename, content_type, size, content, uploaded_at FROM uploaded_files WHERE id = $1",
		id,
	).Scan(&file.ID, &file.Filename, &file.ContentType, &file.Size, &file.Content, &file.UploadedAt)
	if err == sql.ErrNoRows {
		return StoredFile{}, ErrFileNotFound
	}
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to get file: %w", err)
	}

	return file, nil
}

// ListFiles returns every file, oldest first
func (s *PostgreSQLFileStore) ListFiles() ([]StoredFile, error) {
	rows, err := s.db.Query("SELECT id, filename, content_type, size, content, uploaded_at FROM uploaded_files ORDER BY uploaded_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var list []StoredFile
	for rows.Next() {
		var file StoredFile
		if err := rows.Scan(&file.ID, &file.Filename, &file.ContentType, &file.Size, &file.Content, &file.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		list = append(list, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return list, nil
}

// DeleteFile removes a file
func (s *PostgreSQLFileStore) DeleteFile(id string) error {
	result, err := s.db.Exec("DELETE FROM uploaded_files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrFileNotFound
	}

	return nil
}
