package services

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/crewrunner/pkg/models"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

const (
	openAIKey    = "sk-test-0123456789abcdef"
	anthropicKey = "sk-ant-api03-0123456789"
	googleKey    = "AIzaSyA-0123456789abcdefgh"
)

func newCredentialService(t *testing.T) (*CredentialService, *storage.MemoryCredentialStore) {
	t.Helper()
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	store := storage.NewMemoryCredentialStore()
	svc, err := NewCredentialService(store, key)
	require.NoError(t, err)
	return svc, store
}

func TestNewCredentialServiceKeyLength(t *testing.T) {
	_, err := NewCredentialService(storage.NewMemoryCredentialStore(), make([]byte, 16))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestSetAndGetAPIKey(t *testing.T) {
	svc, store := newCredentialService(t)

	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))

	stored, err := store.GetCredential("openai")
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedKey, openAIKey)
	_, err = hex.DecodeString(stored.EncryptedKey)
	assert.NoError(t, err)

	got, err := svc.GetAPIKey(models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, openAIKey, got)

	_, err = svc.GetAPIKey(models.ProviderGoogle)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestSetAPIKeyRejectsBadFormat(t *testing.T) {
	svc, store := newCredentialService(t)

	err := svc.SetAPIKey(models.ProviderAnthropic, "sk-0123456789abc")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.Contains(t, err.Error(), "anthropic")

	list, err := store.ListCredentials()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEncryptionUsesFreshNonce(t *testing.T) {
	svc, store := newCredentialService(t)

	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))
	first, err := store.GetCredential("openai")
	require.NoError(t, err)

	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))
	second, err := store.GetCredential("openai")
	require.NoError(t, err)

	assert.NotEqual(t, first.EncryptedKey, second.EncryptedKey)
}

func TestMaskedKeysCoversEveryProvider(t *testing.T) {
	svc, _ := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderAnthropic, anthropicKey))

	masked, err := svc.MaskedKeys()
	require.NoError(t, err)

	assert.Len(t, masked, len(models.Providers))
	assert.Equal(t, "", masked[models.ProviderOpenAI])
	assert.Equal(t, "", masked[models.ProviderGoogle])
	assert.Equal(t, MaskAPIKey(anthropicKey), masked[models.ProviderAnthropic])
}

func TestInfo(t *testing.T) {
	svc, _ := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderGoogle, googleKey))

	info, err := svc.Info(models.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, info.IsValid)
	assert.Equal(t, "AIza", info.MaskedKey[:4])

	info, err = svc.Info(models.ProviderOpenAI)
	require.NoError(t, err)
	assert.False(t, info.IsValid)
	assert.Empty(t, info.MaskedKey)
}

func TestValidateStoredKey(t *testing.T) {
	svc, _ := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))

	ok, err := svc.Validate(models.ProviderOpenAI)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.Validate(models.ProviderAnthropic)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestDeleteAPIKey(t *testing.T) {
	svc, _ := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))

	require.NoError(t, svc.DeleteAPIKey(models.ProviderOpenAI))
	assert.ErrorIs(t, svc.DeleteAPIKey(models.ProviderOpenAI), storage.ErrCredentialNotFound)
}

func TestRotateEncryptionKey(t *testing.T) {
	svc, store := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))
	require.NoError(t, svc.SetAPIKey(models.ProviderAnthropic, anthropicKey))
	before, err := store.GetCredential("openai")
	require.NoError(t, err)

	newKey, err := GenerateEncryptionKey()
	require.NoError(t, err)
	require.NoError(t, svc.RotateEncryptionKey(newKey))

	after, err := store.GetCredential("openai")
	require.NoError(t, err)
	assert.NotEqual(t, before.EncryptedKey, after.EncryptedKey)

	// a fresh service on the new key reads what the rotated one wrote
	fresh, err := NewCredentialService(store, newKey)
	require.NoError(t, err)
	got, err := fresh.GetAPIKey(models.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, anthropicKey, got)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	svc, store := newCredentialService(t)
	require.NoError(t, svc.SetAPIKey(models.ProviderOpenAI, openAIKey))

	other, err := NewCredentialService(store, make([]byte, 32))
	require.NoError(t, err)
	_, err = other.GetAPIKey(models.ProviderOpenAI)
	assert.Error(t, err)
}

func TestValidateAPIKeyFormat(t *testing.T) {
	tests := []struct {
		provider models.Provider
		key      string
		want     bool
	}{
		{models.ProviderOpenAI, openAIKey, true},
		{models.ProviderOpenAI, "pk-0123456789abc", false},
		{models.ProviderOpenAI, "sk-short", false},
		{models.ProviderAnthropic, anthropicKey, true},
		{models.ProviderAnthropic, openAIKey, false},
		{models.ProviderGoogle, googleKey, true},
		{models.ProviderGoogle, "AIza0123456789", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider)+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAPIKeyFormat(tt.provider, tt.key))
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "", MaskAPIKey(""))
	assert.Equal(t, "********", MaskAPIKey("abcdefgh"))
	assert.Equal(t, "abcd*fghi", MaskAPIKey("abcdefghi"))

	masked := MaskAPIKey(openAIKey)
	assert.Equal(t, len(openAIKey), len(masked))
	assert.True(t, strings.HasPrefix(masked, "sk-t"))
	assert.True(t, strings.HasSuffix(masked, "cdef"))
}

func TestEncryptionKeyFromHex(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	parsed, err := EncryptionKeyFromHex(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = EncryptionKeyFromHex("zz")
	assert.Error(t, err)
	_, err = EncryptionKeyFromHex("abcd")
	assert.Error(t, err)
}
