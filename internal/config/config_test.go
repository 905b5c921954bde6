package config

import (
	"os"
	"testing"

	"github.com/marketdata-core/ingester/pkg/types"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := types.Defaults()
	if cfg.Upstream.WSURL != want.Upstream.WSURL {
		t.Errorf("Upstream.WSURL = %q, want %q", cfg.Upstream.WSURL, want.Upstream.WSURL)
	}
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Bus.Policy != want.Bus.Policy {
		t.Errorf("Bus.Policy = %q, want %q", cfg.Bus.Policy, want.Bus.Policy)
	}
	if len(cfg.DefaultSubscriptions) != 1 || cfg.DefaultSubscriptions[0].Symbol != "BTC/USD" {
		t.Errorf("DefaultSubscriptions = %+v, want one entry for BTC/USD", cfg.DefaultSubscriptions)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("MKTDATA_SERVER_PORT", "9999")
	t.Setenv("MKTDATA_UPSTREAM_WS_URL", "wss://override.example.com/ws")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Upstream.WSURL != "wss://override.example.com/ws" {
		t.Errorf("Upstream.WSURL = %q, want override", cfg.Upstream.WSURL)
	}
}

func TestLoadRejectsInvalidBusPolicy(t *testing.T) {
	t.Setenv("MKTDATA_BUS_POLICY", "nonsense")

	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an unrecognized bus policy")
	}
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	if _, err := os.Stat("./config.yaml"); err == nil {
		t.Skip("a config.yaml exists in the working directory, skipping")
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("Load with no file present should fall back to defaults, got: %v", err)
	}
}
