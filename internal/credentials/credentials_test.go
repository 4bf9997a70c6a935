package credentials

import (
	"context"
	"testing"

	"binance-loop-runner/config"
)

func TestResolvePrefersConfiguredKeys(t *testing.T) {
	src, err := NewSource(config.BinanceConfig{
		APIKey:    "  key  ",
		SecretKey: "secret",
		TestNet:   true,
	}, config.VaultConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	creds := src.Resolve(context.Background())
	if creds.APIKey != "key" || creds.SecretKey != "secret" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if !creds.IsTestnet {
		t.Error("testnet flag not carried through")
	}
	if !creds.Present() {
		t.Error("Present() = false")
	}
}

func TestResolveWithoutAnySourceIsEmpty(t *testing.T) {
	src, err := NewSource(config.BinanceConfig{}, config.VaultConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	creds := src.Resolve(context.Background())
	if creds.Present() {
		t.Errorf("expected no credentials, got %+v", creds)
	}
}

func TestPresentRequiresBothHalves(t *testing.T) {
	if (Credentials{APIKey: "k"}).Present() {
		t.Error("API key alone must not count as present")
	}
	if (Credentials{SecretKey: "s"}).Present() {
		t.Error("secret alone must not count as present")
	}
}
