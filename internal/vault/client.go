// Package vault loads engine secrets from HashiCorp Vault.
//
// Lookup is optional and happens once at boot: when enabled, the client
// reads a single KV v2 entry holding the LLM API key and the dashboard
// JWT secret. Values found in Vault override the environment-derived
// config fields; anything absent keeps the env value.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// Field names inside the KV v2 secret entry.
const (
	fieldLLMAPIKey = "llm_api_key"
	fieldJWTSecret = "jwt_secret"
)

// Secrets holds the values the engine may source from Vault.
type Secrets struct {
	LLMAPIKey string
	JWTSecret string
}

// Apply copies non-empty secrets over the matching config fields.
func (s Secrets) Apply(cfg *config.Config) {
	if s.LLMAPIKey != "" {
		cfg.LLMConfig.APIKey = s.LLMAPIKey
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
}

// Client wraps the HashiCorp Vault client for boot-time secret lookup.
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger
}

// NewClient builds a Vault client. With cfg.Enabled false it returns a
// disabled client whose lookups are no-ops, so the engine wires it
// unconditionally.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	componentLogger := logger.With().Str("component", "vault").Logger()

	if !cfg.Enabled {
		componentLogger.Info().Msg("Vault disabled, secrets come from the environment")
		return &Client{config: cfg, logger: componentLogger}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	componentLogger.Info().
		Str("address", cfg.Address).
		Str("mount", cfg.MountPath).
		Msg("Vault client ready")

	return &Client{client: client, config: cfg, logger: componentLogger}, nil
}

// Enabled reports whether Vault lookup is configured.
func (c *Client) Enabled() bool {
	return c.config.Enabled
}

// Health checks that Vault is reachable and unsealed.
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

// LoadSecrets reads the engine secret entry. A disabled client returns
// empty secrets so env values stay in effect; a missing entry is an error
// because an operator who enabled Vault expects the entry to exist.
func (c *Client) LoadSecrets(ctx context.Context) (Secrets, error) {
	if !c.config.Enabled {
		return Secrets{}, nil
	}

	path := c.secretDataPath()

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Secrets{}, fmt.Errorf("no secret at %s", path)
	}

	// KV v2 nests the payload under a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Secrets{}, fmt.Errorf("invalid secret format at %s", path)
	}

	loaded := Secrets{
		LLMAPIKey: getString(data, fieldLLMAPIKey),
		JWTSecret: getString(data, fieldJWTSecret),
	}

	c.logger.Info().
		Bool("llm_api_key", loaded.LLMAPIKey != "").
		Bool("jwt_secret", loaded.JWTSecret != "").
		Msg("Secrets loaded from Vault")

	return loaded, nil
}

// secretDataPath returns the KV v2 read path for the engine secret entry.
func (c *Client) secretDataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
