package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// WorkspaceSettingsSource reads a workspace's settings map.
type WorkspaceSettingsSource interface {
	GetWorkspaceSettings(ctx context.Context, workspaceID uuid.UUID) (map[string]any, error)
}

// LLMKeyStore caches decrypted per-workspace LLM API keys. The encrypted
// key lives in the workspace settings under "llm_api_key_encrypted" as
// base64(nonce || ciphertext), sealed with XChaCha20-Poly1305 under a
// server-held key. Invalidation arrives on llm:key_changed.
type LLMKeyStore struct {
	table     *Table[string]
	source    WorkspaceSettingsSource
	serverKey []byte
}

// NewLLMKeyStore creates the store. serverKey must be 32 bytes.
func NewLLMKeyStore(source WorkspaceSettingsSource, serverKey []byte) (*LLMKeyStore, error) {
	if len(serverKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("server key must be %d bytes, got %d", chacha20poly1305.KeySize, len(serverKey))
	}
	return &LLMKeyStore{
		table:     NewTable[string](),
		source:    source,
		serverKey: serverKey,
	}, nil
}

// Start registers the invalidation handler and subscribes the channel.
func (s *LLMKeyStore) Start(ctx context.Context, listener *events.Listener) error {
	listener.RegisterHandler(events.ChannelLLMKeyChanged, s.handleInvalidation)
	return listener.Subscribe(ctx, events.ChannelLLMKeyChanged)
}

// Get returns the workspace's decrypted LLM API key, decrypting through on
// a miss. Returns "" when the workspace has no key configured.
func (s *LLMKeyStore) Get(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	key := workspaceID.String()
	if v, ok := s.table.Get(key); ok {
		return v, nil
	}

	settings, err := s.source.GetWorkspaceSettings(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("failed to load workspace settings: %w", err)
	}

	encoded, _ := settings[models.SettingLLMKeyEncrypted].(string)
	if encoded == "" {
		return "", nil
	}

	plaintext, err := s.decrypt(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt workspace LLM key: %w", err)
	}

	s.table.Put(key, plaintext)
	return plaintext, nil
}

// Encrypt seals a raw key for storage in workspace settings. The admin
// routes have no endpoint that calls it.
func (s *LLMKeyStore) Encrypt(raw string, nonce []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.serverKey)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	sealed := aead.Seal(nil, nonce, []byte(raw), nil)
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, nonce...), sealed...)), nil
}

// decrypt opens base64(nonce || ciphertext).
func (s *LLMKeyStore) decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("encrypted key is not valid base64: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.serverKey)
	if err != nil {
		return "", err
	}
	if len(blob) < aead.NonceSize() {
		return "", fmt.Errorf("encrypted key too short")
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("authenticated decryption failed: %w", err)
	}
	return string(plaintext), nil
}

func (s *LLMKeyStore) handleInvalidation(payload []byte) {
	var msg events.LLMKeyChangedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("Invalid llm key invalidation payload", "error", err)
		return
	}
	s.table.Delete(msg.WorkspaceID)
}
