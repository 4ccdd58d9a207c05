package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

type fakeSettingsSource struct {
	settings map[uuid.UUID]map[string]any
}

func (s *fakeSettingsSource) GetWorkspaceSettings(_ context.Context, workspaceID uuid.UUID) (map[string]any, error) {
	return s.settings[workspaceID], nil
}

func TestLLMKeyStoreEncryptDecryptRoundTrip(t *testing.T) {
	serverKey := bytes.Repeat([]byte{7}, 32)
	workspaceID := uuid.New()
	source := &fakeSettingsSource{settings: map[uuid.UUID]map[string]any{}}

	store, err := NewLLMKeyStore(source, serverKey)
	require.NoError(t, err)

	nonce := bytes.Repeat([]byte{3}, chacha20poly1305.NonceSizeX)
	sealed, err := store.Encrypt("sk-ant-secret", nonce)
	require.NoError(t, err)

	source.settings[workspaceID] = map[string]any{
		models.SettingLLMKeyEncrypted: sealed,
	}

	key, err := store.Get(context.Background(), workspaceID)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", key)
}

func TestLLMKeyStoreMissingKeyIsEmpty(t *testing.T) {
	store, err := NewLLMKeyStore(&fakeSettingsSource{settings: map[uuid.UUID]map[string]any{}}, make([]byte, 32))
	require.NoError(t, err)

	key, err := store.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestLLMKeyStoreTamperedCiphertextFails(t *testing.T) {
	serverKey := bytes.Repeat([]byte{7}, 32)
	workspaceID := uuid.New()
	source := &fakeSettingsSource{settings: map[uuid.UUID]map[string]any{}}

	store, err := NewLLMKeyStore(source, serverKey)
	require.NoError(t, err)

	nonce := bytes.Repeat([]byte{3}, chacha20poly1305.NonceSizeX)
	sealed, err := store.Encrypt("sk-ant-secret", nonce)
	require.NoError(t, err)

	// Flip a character of the base64 blob.
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}
	source.settings[workspaceID] = map[string]any{
		models.SettingLLMKeyEncrypted: string(tampered),
	}

	_, err = store.Get(context.Background(), workspaceID)
	assert.Error(t, err)
}

func TestLLMKeyStoreInvalidation(t *testing.T) {
	serverKey := make([]byte, 32)
	workspaceID := uuid.New()
	source := &fakeSettingsSource{settings: map[uuid.UUID]map[string]any{}}

	store, err := NewLLMKeyStore(source, serverKey)
	require.NoError(t, err)

	store.table.Put(workspaceID.String(), "cached-key")

	payload, _ := json.Marshal(events.LLMKeyChangedPayload{WorkspaceID: workspaceID.String()})
	store.handleInvalidation(payload)

	_, ok := store.table.Get(workspaceID.String())
	assert.False(t, ok)
}

func TestLLMKeyStoreRejectsBadServerKey(t *testing.T) {
	_, err := NewLLMKeyStore(&fakeSettingsSource{}, make([]byte, 16))
	assert.Error(t, err)
}
