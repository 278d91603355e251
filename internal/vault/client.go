package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"profitpilot/config"
)

// ErrNotFound is returned when no token is stored for the user
var ErrNotFound = errors.New("bot token not found")

// BotToken is the secret a user's bot authorizes with
type BotToken struct {
	Token     string    `json:"token"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client keeps bot tokens in Vault's KV v2 engine. With Vault disabled it
// keeps them in process memory only.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*BotToken // userID -> token
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "profitpilot/bot-tokens"
	}

	c := &Client{
		config: cfg,
		cache:  make(map[string]*BotToken),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	return c, nil
}

// NewMemoryClient returns a client that never talks to Vault
func NewMemoryClient() *Client {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	return c
}

// StoreBotToken writes the user's bot token
func (c *Client) StoreBotToken(ctx context.Context, userID string, token BotToken) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now().UTC()
	}

	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"token":      token.Token,
				"provider":   token.Provider,
				"updated_at": token.UpdatedAt.Format(time.RFC3339),
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(userID), secretData); err != nil {
			return fmt.Errorf("failed to store bot token in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[userID] = &token
	c.mu.Unlock()
	return nil
}

// GetBotToken reads the user's bot token
func (c *Client) GetBotToken(ctx context.Context, userID string) (*BotToken, error) {
	c.mu.RLock()
	cached, ok := c.cache[userID]
	c.mu.RUnlock()
	if ok {
		cp := *cached
		return &cp, nil
	}

	if !c.config.Enabled {
		return nil, ErrNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read bot token from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ErrNotFound
	}

	token := &BotToken{
		Token:    getString(data, "token"),
		Provider: getString(data, "provider"),
	}
	if ts, err := time.Parse(time.RFC3339, getString(data, "updated_at")); err == nil {
		token.UpdatedAt = ts
	}
	if token.Token == "" {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	c.cache[userID] = token
	c.mu.Unlock()

	cp := *token
	return &cp, nil
}

// DeleteBotToken removes every version of the user's token
func (c *Client) DeleteBotToken(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID)); err != nil {
		return fmt.Errorf("failed to delete bot token from vault: %w", err)
	}
	return nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, userID)
}

func (c *Client) metadataPath(userID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, userID)
}

// MaskToken keeps the last four characters, e.g. "****wxyz"
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return "****" + token[len(token)-4:]
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
