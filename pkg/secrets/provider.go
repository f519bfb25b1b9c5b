// Package secrets loads deployment secrets (hashids salt, admin password) from
// Vault, AWS Secrets Manager, or the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

// Chain asks the primary provider first. With failClosed set a primary error
// is final; otherwise the environment is consulted.
type Chain struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewChain(primary, fallback Provider, failClosed bool) *Chain {
	return &Chain{primary: primary, fallback: fallback, failClosed: failClosed}
}

// FromEnv picks Vault when VAULT_ADDR is set, then AWS when AWS_REGION is set,
// with the environment as fallback.
func FromEnv(ctx context.Context) (*Chain, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "vault provider")
		}
		primary = vp
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		ap, err := newAWSProvider(ctx, region)
		if err != nil {
			return nil, errors.Wrap(err, "aws provider")
		}
		primary = ap
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but neither VAULT_ADDR nor AWS_REGION is set")
	}
	var fallback Provider
	if !requirePrimary {
		fallback = EnvProvider{}
	}
	failClosed := os.Getenv("SECRETS_FAIL_CLOSED") != "false"
	return NewChain(primary, fallback, failClosed), nil
}
func (c *Chain) Name() string {
	if c.primary != nil {
		return c.primary.Name()
	}
	if c.fallback != nil {
		return c.fallback.Name()
	}
	return "none"
}
func (c *Chain) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if c.primary != nil {
		val, err := c.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrSecretNotFound
		}
		if c.failClosed || c.fallback == nil {
			return "", errors.Wrapf(err, "%s get secret %s", c.primary.Name(), key)
		}
	}
	if c.fallback != nil {
		return c.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		b, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(b)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/pastabin"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return vaultValue(secret.Data)
}

// vaultValue reads the KV v2 layout {data: {value: ...}}.
func vaultValue(data map[string]interface{}) (string, error) {
	inner, ok := data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := inner["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	sm     *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context, region string) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		sm:     secretsmanager.NewFromConfig(cfg),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "pastabin/"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws-secretsmanager" }
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	out, err := a.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", id)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }
func (EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}
func getEnvOrDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
