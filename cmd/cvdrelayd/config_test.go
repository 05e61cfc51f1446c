package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/cvdrelay/internal/dal"
	"github.com/danmuck/cvdrelay/internal/relay"
	"github.com/danmuck/cvdrelay/internal/voice"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigExample(t *testing.T) {
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Node != "cvdrelayd.local" {
		t.Fatalf("unexpected node: %q", cfg.Node)
	}
	if cfg.Relay.Device != dal.VoiceDevice || cfg.Relay.Version != dal.VoiceVersion || cfg.VoiceDevice != voice.Device {
		t.Fatalf("unexpected devices: %+v", cfg)
	}
	if cfg.Relay.CallTimeout != 2*time.Second || cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected timeouts: call=%v dial=%v", cfg.Relay.CallTimeout, cfg.DialTimeout)
	}
	if cfg.AdminAddr != "127.0.0.1:7460" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CorsOrigins)
	}
	if cfg.LogFile != "" || cfg.LogMaxSizeMB != 50 {
		t.Fatalf("unexpected log settings: file=%q size=%d", cfg.LogFile, cfg.LogMaxSizeMB)
	}
	if cfg.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
	if got := cfg.voiceAttach().Address; got != cfg.Address {
		t.Fatalf("voice address should fall back to address, got %q", got)
	}
}

func TestLoadServiceConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadServiceConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := relay.DefaultConfig()
	if cfg.Relay != def {
		t.Fatalf("unexpected relay config: %+v", cfg.Relay)
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("admin should be disabled by default")
	}
}

func TestLoadServiceConfigOverflowDrop(t *testing.T) {
	cfg, err := loadServiceConfig(writeConfig(t, `overflow = " DROP "`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Relay.Overflow != relay.OverflowDrop {
		t.Fatalf("unexpected overflow: %q", cfg.Relay.Overflow)
	}
	if cfg.Relay.CallTimeout != relay.DefaultConfig().CallTimeout {
		t.Fatalf("unset keys must keep defaults")
	}
}

func TestLoadServiceConfigRejects(t *testing.T) {
	if _, err := loadServiceConfig(writeConfig(t, `overflow = "block"`)); !errors.Is(err, relay.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := loadServiceConfig(writeConfig(t, `call_timeout = "abc"`)); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := loadServiceConfig(writeConfig(t, `voice_device = 0x02000075`)); err == nil {
		t.Fatalf("expected device clash error")
	}
	if _, err := loadServiceConfig(writeConfig(t, `adress = "typo:1"`)); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := loadServiceConfig(writeConfig(t, "[tls]\nenabled = true\n")); !errors.Is(err, dal.ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}
