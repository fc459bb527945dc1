package services

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tcmartin/crewrunner/pkg/models"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

// ErrInvalidAPIKey is returned when a key fails the provider format check
var ErrInvalidAPIKey = errors.New("invalid API key format")

const minAPIKeyLength = 10

// APIKeyInfo describes a stored key without revealing it
type APIKeyInfo struct {
	Provider  models.Provider `json:"provider"`
	IsValid   bool            `json:"is_valid"`
	MaskedKey string          `json:"masked_key"`
}

// CredentialService stores provider API keys encrypted with XChaCha20-Poly1305
type CredentialService struct {
	store storage.CredentialStore
	aead  cipher.AEAD
}

// NewCredentialService creates a credential service with a 32-byte key
func NewCredentialService(store storage.CredentialStore, encryptionKey []byte) (*CredentialService, error) {
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &CredentialService{store: store, aead: aead}, nil
}

// SetAPIKey validates and stores the key for a provider
func (s *CredentialService) SetAPIKey(provider models.Provider, apiKey string) error {
	if !ValidateAPIKeyFormat(provider, apiKey) {
		return fmt.Errorf("%w for %s", ErrInvalidAPIKey, provider)
	}

	encrypted, err := encryptWith(s.aead, apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt API key: %w", err)
	}

	return s.store.SaveCredential(storage.Credential{
		Provider:     string(provider),
		EncryptedKey: encrypted,
	})
}

// GetAPIKey returns the decrypted key for a provider
func (s *CredentialService) GetAPIKey(provider models.Provider) (string, error) {
	credential, err := s.store.GetCredential(string(provider))
	if err != nil {
		return "", err
	}

	plaintext, err := decryptWith(s.aead, credential.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt API key for %s: %w", provider, err)
	}
	return plaintext, nil
}

// DeleteAPIKey removes the key for a provider
func (s *CredentialService) DeleteAPIKey(provider models.Provider) error {
	return s.store.DeleteCredential(string(provider))
}

// MaskedKeys returns a masked key for every supported provider, empty when unset
func (s *CredentialService) MaskedKeys() (map[models.Provider]string, error) {
	masked := make(map[models.Provider]string, len(models.Providers))
	for _, provider := range models.Providers {
		masked[provider] = ""
	}

	credentials, err := s.store.ListCredentials()
	if err != nil {
		return nil, err
	}
	for _, credential := range credentials {
		provider, err := models.ParseProvider(credential.Provider)
		if err != nil {
			continue
		}
		plaintext, err := decryptWith(s.aead, credential.EncryptedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt API key for %s: %w", provider, err)
		}
		masked[provider] = MaskAPIKey(plaintext)
	}
	return masked, nil
}

// Info describes the stored key for a provider
func (s *CredentialService) Info(provider models.Provider) (APIKeyInfo, error) {
	apiKey, err := s.GetAPIKey(provider)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return APIKeyInfo{Provider: provider}, nil
	}
	if err != nil {
		return APIKeyInfo{}, err
	}
	return APIKeyInfo{Provider: provider, IsValid: true, MaskedKey: MaskAPIKey(apiKey)}, nil
}

// Validate checks the stored key for a provider against its format rules
func (s *CredentialService) Validate(provider models.Provider) (bool, error) {
	apiKey, err := s.GetAPIKey(provider)
	if err != nil {
		return false, err
	}
	return ValidateAPIKeyFormat(provider, apiKey), nil
}

// RotateEncryptionKey re-encrypts every stored key under newKey
func (s *CredentialService) RotateEncryptionKey(newKey []byte) error {
	next, err := chacha20poly1305.NewX(newKey)
	if err != nil {
		return fmt.Errorf("failed to create cipher with new key: %w", err)
	}

	credentials, err := s.store.ListCredentials()
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	for _, credential := range credentials {
		plaintext, err := decryptWith(s.aead, credential.EncryptedKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt credential %s: %w", credential.Provider, err)
		}
		credential.EncryptedKey, err = encryptWith(next, plaintext)
		if err != nil {
			return fmt.Errorf("failed to re-encrypt credential %s: %w", credential.Provider, err)
		}
		if err := s.store.SaveCredential(credential); err != nil {
			return fmt.Errorf("failed to save re-encrypted credential %s: %w", credential.Provider, err)
		}
	}

	s.aead = next
	return nil
}

// ValidateAPIKeyFormat applies the per-provider shape rules
func ValidateAPIKeyFormat(provider models.Provider, apiKey string) bool {
	if len(apiKey) < minAPIKeyLength {
		return false
	}

	switch provider {
	case models.ProviderOpenAI:
		return strings.HasPrefix(apiKey, "sk-")
	case models.ProviderAnthropic:
		return strings.HasPrefix(apiKey, "sk-ant-")
	case models.ProviderGoogle:
		return len(apiKey) >= 20
	default:
		return true
	}
}

// MaskAPIKey keeps the first and last four characters of a key
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
}

func encryptWith(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

func decryptWith(aead cipher.AEAD, ciphertextHex string) (string, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateEncryptionKey generates a new 256-bit encryption key
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// EncryptionKeyFromHex converts a hex string to an encryption key
func EncryptionKeyFromHex(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
