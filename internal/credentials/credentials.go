package credentials

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hashicorp/vault/api"

	"binance-loop-runner/config"
)

// Credentials holds one exchange API key pair
type Credentials struct {
	APIKey    string
	SecretKey string
	IsTestnet bool
}

// Present reports whether both halves of the key pair are set
func (c Credentials) Present() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

// Source resolves exchange credentials at startup. Environment variables and
// the config file are primary; Vault is consulted only when enabled and the
// primary source is empty. A failed Vault lookup degrades to no credentials
// rather than failing the boot.
type Source struct {
	binance config.BinanceConfig
	vault   *api.Client
	cfg     config.VaultConfig
}

// NewSource creates a credential source. The Vault client is only dialed
// when the config enables it.
func NewSource(binanceCfg config.BinanceConfig, vaultCfg config.VaultConfig) (*Source, error) {
	s := &Source{binance: binanceCfg, cfg: vaultCfg}

	if !vaultCfg.Enabled {
		return s, nil
	}

	vc := api.DefaultConfig()
	vc.Address = vaultCfg.Address

	if vaultCfg.TLSEnabled && vaultCfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: vaultCfg.CACert}
		if err := vc.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(vaultCfg.Token)
	s.vault = client

	return s, nil
}

// Resolve returns the credentials found for the configured account
func (s *Source) Resolve(ctx context.Context) Credentials {
	creds := Credentials{
		APIKey:    strings.TrimSpace(s.binance.APIKey),
		SecretKey: strings.TrimSpace(s.binance.SecretKey),
		IsTestnet: s.binance.TestNet,
	}
	if creds.Present() {
		return creds
	}

	if s.vault == nil {
		return creds
	}

	fromVault, err := s.readVault(ctx)
	if err != nil {
		log.Printf("[CREDENTIALS] Vault lookup failed (%v), continuing without credentials", err)
		return creds
	}
	fromVault.IsTestnet = s.binance.TestNet
	return fromVault
}

// readVault fetches the key pair from the KV v2 secret path
func (s *Source) readVault(ctx context.Context) (Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", s.cfg.MountPath, s.cfg.SecretPath)

	secret, err := s.vault.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := Credentials{
		APIKey:    stringField(data, "api_key"),
		SecretKey: stringField(data, "secret_key"),
	}
	if !creds.Present() {
		return Credentials{}, fmt.Errorf("secret at %s is missing api_key or secret_key", path)
	}
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
