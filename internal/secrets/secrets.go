// Package secrets resolves exchange API credentials for each
// AccountConfig through HashiCorp Vault, grounded on the reference
// stack's internal/vault/client.go: an in-memory cache fallback when
// Vault is disabled (local/dev), and a real KV-v2 read when enabled.
package secrets

import (
	"context"
	"fmt"
	"sync"

	vaultapi "github.com/hashicorp/vault/api"
)

// APIKeyData is one exchange account's credentials.
type APIKeyData struct {
	APIKey    string
	APISecret string
	Exchange  string
	Testnet   bool
}

// Client resolves a SecretRef to an APIKeyData.
type Client struct {
	vc      *vaultapi.Client
	enabled bool
	mu      sync.RWMutex
	cache   map[string]APIKeyData
	mount   string
}

// Config mirrors the reference stack's VaultConfig shape.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Mount   string // KV mount path, e.g. "secret"
}

// New builds a Client. If cfg.Enabled is false the client only ever
// serves values pre-loaded via Seed, matching the reference client's
// local-cache-only mode used in dev/test.
func New(cfg Config) (*Client, error) {
	c := &Client{enabled: cfg.Enabled, cache: map[string]APIKeyData{}, mount: cfg.Mount}
	if !cfg.Enabled {
		return c, nil
	}
	vc, err := vaultapi.NewClient(&vaultapi.Config{Address: cfg.Addr})
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	vc.SetToken(cfg.Token)
	c.vc = vc
	return c, nil
}

// Seed pre-loads a secret into the local cache (used when Vault is
// disabled, or to warm the cache in tests).
func (c *Client) Seed(ref string, data APIKeyData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[ref] = data
}

// Resolve returns the APIKeyData for ref, consulting Vault when
// enabled and falling back to the local cache on lookup failure so a
// transient Vault outage does not stop an account that was already
// resolved once this process lifetime.
func (c *Client) Resolve(ctx context.Context, ref string) (APIKeyData, error) {
	if !c.enabled {
		c.mu.RLock()
		data, ok := c.cache[ref]
		c.mu.RUnlock()
		if !ok {
			return APIKeyData{}, fmt.Errorf("secrets: no cached credentials for %s (vault disabled)", ref)
		}
		return data, nil
	}

	secret, err := c.vc.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", c.mount, ref))
	if err != nil || secret == nil || secret.Data == nil {
		c.mu.RLock()
		data, ok := c.cache[ref]
		c.mu.RUnlock()
		if ok {
			return data, nil
		}
		if err != nil {
			return APIKeyData{}, fmt.Errorf("secrets: vault read %s: %w", ref, err)
		}
		return APIKeyData{}, fmt.Errorf("secrets: no data at %s", ref)
	}

	inner, _ := secret.Data["data"].(map[string]any)
	data := APIKeyData{
		APIKey:    stringField(inner, "api_key"),
		APISecret: stringField(inner, "api_secret"),
		Exchange:  stringField(inner, "exchange"),
		Testnet:   boolField(inner, "testnet"),
	}
	c.Seed(ref, data)
	return data, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
