package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider(t *testing.T) {
	provider := NewMemoryProvider()
	require.NoError(t, provider.Initialize())
	defer provider.Close()

	testCredentialStore(t, provider.GetCredentialStore())
	testFileStore(t, provider.GetFileStore())
}

// testCredentialStore exercises any CredentialStore implementation
func testCredentialStore(t *testing.T, store CredentialStore) {
	t.Helper()

	_, err := store.GetCredential("openai")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	require.NoError(t, store.SaveCredential(Credential{Provider: "openai", EncryptedKey: "cipher-1"}))
	require.NoError(t, store.SaveCredential(Credential{Provider: "anthropic", EncryptedKey: "cipher-2"}))

	got, err := store.GetCredential("openai")
	require.NoError(t, err)
	assert.Equal(t, "cipher-1", got.EncryptedKey)
	assert.False(t, got.CreatedAt.IsZero())

	// Replacing keeps the creation time
	require.NoError(t, store.SaveCredential(Credential{Provider: "openai", EncryptedKey: "cipher-3"}))
	replaced, err := store.GetCredential("openai")
	require.NoError(t, err)
	assert.Equal(t, "cipher-3", replaced.EncryptedKey)
	assert.WithinDuration(t, got.CreatedAt, replaced.CreatedAt, time.Millisecond)

	list, err := store.ListCredentials()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "anthropic", list[0].Provider)
	assert.Equal(t, "openai", list[1].Provider)

	require.NoError(t, store.DeleteCredential("openai"))
	assert.ErrorIs(t, store.DeleteCredential("openai"), ErrCredentialNotFound)
	require.NoError(t, store.DeleteCredential("anthropic"))

	list, err = store.ListCredentials()
	require.NoError(t, err)
	assert.Empty(t, list)
}

// testFileStore exercises any FileStore implementation
func testFileStore(t *testing.T, store FileStore) {
	t.Helper()

	base := time.Now().UTC().Truncate(time.Second)
	first := StoredFile{ID: "f1", Filename: "requirements.md", ContentType: "text/markdown", Size: 12, Content: "# Requirements", UploadedAt: base}
	second := StoredFile{ID: "f2", Filename: "notes.txt", ContentType: "text/plain", Size: 5, Content: "notes", UploadedAt: base.Add(time.Second)}

	_, err := store.GetFile("f1")
	assert.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, store.SaveFile(second))
	require.NoError(t, store.SaveFile(first))

	got, err := store.GetFile("f1")
	require.NoError(t, err)
	assert.Equal(t, first.Filename, got.Filename)
	assert.Equal(t, first.Content, got.Content)
	assert.Equal(t, first.Size, got.Size)

	list, err := store.ListFiles()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "f1", list[0].ID)
	assert.Equal(t, "f2", list[1].ID)

	require.NoError(t, store.DeleteFile("f1"))
	assert.ErrorIs(t, store.DeleteFile("f1"), ErrFileNotFound)
	require.NoError(t, store.DeleteFile("f2"))
}
