package crypto

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// VaultSecretLoader reads the token signing secret from a Vault KV v2 mount.
type VaultSecretLoader struct {
	client *vault.Client
	cfg    config.VaultConfig
	log    logger.Logger
}

// NewVaultSecretLoader creates a loader for cfg.
//
// Parameters:
//   - cfg: Vault address, token and KV v2 location
//   - log: Logger instance
//
// Returns:
//   - *VaultSecretLoader: Initialized loader
//   - error: Client construction error if any
func NewVaultSecretLoader(cfg config.VaultConfig, log logger.Logger) (*VaultSecretLoader, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultSecretLoader{
		client: client,
		cfg:    cfg,
		log:    log.WithComponent("vault"),
	}, nil
}

// Load returns the secret stored under cfg.Key at cfg.Path.
func (l *VaultSecretLoader) Load(ctx context.Context) (string, error) {
	secret, err := l.client.KVv2(l.cfg.Mount).Get(ctx, l.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s/%s from vault: %w", l.cfg.Mount, l.cfg.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %s/%s is empty", l.cfg.Mount, l.cfg.Path)
	}

	value, ok := secret.Data[l.cfg.Key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault secret %s/%s has no string field '%s'", l.cfg.Mount, l.cfg.Path, l.cfg.Key)
	}

	l.log.Info(ctx, "Loaded token secret from vault",
		logger.String("mount", l.cfg.Mount),
		logger.String("path", l.cfg.Path))
	return value, nil
}

// ResolveSecret returns the signing secret from Vault when enabled, falling
// back to the inline secret otherwise.
func ResolveSecret(ctx context.Context, cfg config.AuthConfig, log logger.Logger) (string, error) {
	if !cfg.Vault.Enabled {
		return cfg.Secret, nil
	}
	loader, err := NewVaultSecretLoader(cfg.Vault, log)
	if err != nil {
		return "", err
	}
	return loader.Load(ctx)
}

// NewAuthenticatorFromConfig resolves the secret and builds the authenticator.
// It returns nil when no secret is configured, leaving every client anonymous.
func NewAuthenticatorFromConfig(ctx context.Context, cfg config.AuthConfig, log logger.Logger) (*JWTAuthenticator, error) {
	secret, err := ResolveSecret(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		log.Warn(ctx, "No token secret configured; all clients are anonymous")
		return nil, nil
	}
	return NewJWTAuthenticator(secret, cfg.Issuer, cfg.Audience, log)
}
