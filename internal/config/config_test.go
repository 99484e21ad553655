package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bonomat/satsday/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxPayoutSats != 100_000 {
		t.Errorf("default max payout should be 100000, got %d", cfg.MaxPayoutSats)
	}
	if cfg.TxCheckInterval != 10 {
		t.Errorf("default check interval should be 10, got %d", cfg.TxCheckInterval)
	}
	if cfg.VtxoSyncInterval != 300 {
		t.Errorf("default sync interval should be 300, got %d", cfg.VtxoSyncInterval)
	}
	if cfg.Network != "bitcoin" {
		t.Errorf("default network should be bitcoin, got %s", cfg.Network)
	}
	if cfg.AddressPrefix() != "ark" {
		t.Errorf("mainnet address prefix should be ark, got %s", cfg.AddressPrefix())
	}
	if !cfg.IsMainnet() {
		t.Errorf("default network should be mainnet")
	}
}

func TestLoadYamlFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(
		"network: signet\n" +
			"ark_server_url: http://ark.example.com:7070\n" +
			"max_payout_sats: 50000\n" +
			"logging:\n" +
			"  level: debug\n",
	)
	if err := os.WriteFile(configFile, content, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Network != "signet" {
		t.Errorf("network should be signet, got %s", cfg.Network)
	}
	if cfg.AddressPrefix() != "tark" {
		t.Errorf("signet address prefix should be tark, got %s", cfg.AddressPrefix())
	}
	if cfg.ArkServerUrl != "http://ark.example.com:7070" {
		t.Errorf("unexpected ark server url: %s", cfg.ArkServerUrl)
	}
	if cfg.MaxPayoutSats != 50_000 {
		t.Errorf("max payout should be 50000, got %d", cfg.MaxPayoutSats)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level should be debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAX_PAYOUT_SATS", "12345")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxPayoutSats != 12_345 {
		t.Errorf(
			"environment should override max payout, got %d",
			cfg.MaxPayoutSats,
		)
	}
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("network: dogecoin\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := config.Load(configFile); err == nil {
		t.Errorf("unknown network should be rejected")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := config.Load("/does/not/exist.yaml"); err == nil {
		t.Errorf("missing config file should be rejected")
	}
}
