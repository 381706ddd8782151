package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Client.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.Client.ReconnectAttempts)
	}
	if cfg.Client.ReconnectBase != time.Second {
		t.Errorf("ReconnectBase = %v, want 1s", cfg.Client.ReconnectBase)
	}
	if cfg.Client.OfferTimeout != 15*time.Second {
		t.Errorf("OfferTimeout = %v, want 15s", cfg.Client.OfferTimeout)
	}
	if len(cfg.Client.ICEServers) != 2 {
		t.Errorf("ICEServers = %v, want two public STUN servers", cfg.Client.ICEServers)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := []byte(`
log_level: debug
server:
  port: 9090
  ping_period: 10s
client:
  group_id: g1
  call_type: video
  offer_stagger: 250ms
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)
	v.SetConfigFile(path)

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Server.Port != 9090 || cfg.Server.PingPeriod != 10*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.SendBuffer != 64 {
		t.Errorf("SendBuffer default lost: %d", cfg.Server.SendBuffer)
	}
	if cfg.Client.GroupID != "g1" || cfg.Client.CallType != "video" {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if cfg.Client.OfferStagger != 250*time.Millisecond {
		t.Errorf("OfferStagger = %v, want 250ms", cfg.Client.OfferStagger)
	}
}
