package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// VaultBackend stores records in a HashiCorp Vault KV v2 mount. Record keys
// become secret paths under the configured data path.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend authenticated by token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "wallet-recovery")
//   - token: Vault client token
//   - log: structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Get implements Backend. It uses the KV v2 API, which requires the
// mount/data/path structure.
func (b *VaultBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response for %s", key)
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data for %s", key)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Vault content for %s: %w", key, err)
	}
	return decoded, nil
}

// Put implements Backend.
func (b *VaultBackend) Put(ctx context.Context, key string, value []byte) error {
	path := fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to write to Vault: %w", err)
	}
	b.log.Debug("Stored record in Vault", slog.String("key", key), slog.Int("size", len(value)))
	return nil
}

// Delete implements Backend. Metadata deletion removes all versions.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	path := fmt.Sprintf("%s/metadata/%s/%s", b.mountPath, b.dataPath, key)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete from Vault: %w", err)
	}
	return nil
}

// List implements Backend by walking the KV v2 metadata tree under the
// prefix.
func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	if err := b.listRecursive(ctx, "", prefix, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// listRecursive descends from dir collecting record keys under prefix. Vault
// reports subtrees as entries with a trailing slash.
func (b *VaultBackend) listRecursive(ctx context.Context, dir, prefix string, out *[]string) error {
	path := fmt.Sprintf("%s/metadata/%s", b.mountPath, b.dataPath)
	if dir != "" {
		path = fmt.Sprintf("%s/%s", path, strings.TrimSuffix(dir, "/"))
	}

	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to list Vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	entries, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}

	for _, entry := range entries {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		full := dir + name
		if strings.HasSuffix(name, "/") {
			if err := b.listRecursive(ctx, full, prefix, out); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(full, prefix) {
			*out = append(*out, full)
		}
	}
	return nil
}

// LocationURI implements Backend.
func (b *VaultBackend) LocationURI() string { return b.locationURI }
