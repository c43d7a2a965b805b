package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeFixed || firstCfg.HostPort != DefaultPort {
		t.Fatalf("expected fixed port %d, got %q/%d", DefaultPort, firstCfg.PortMode, firstCfg.HostPort)
	}
	if firstCfg.ReadTimeout() != 20*time.Second || firstCfg.WriteTimeout() != 20*time.Second {
		t.Fatalf("unexpected default timeouts %s/%s", firstCfg.ReadTimeout(), firstCfg.WriteTimeout())
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("unexpected default chunk size %d", firstCfg.ChunkSize)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	partial := &Config{
		DeviceID:       "existing-device",
		HostAddress:    "192.168.1.20",
		HostPort:       0,
		ConnectAddress: "192.168.1.30",
		AutoAccept:     true,
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "existing-device" || !cfg.AutoAccept {
		t.Fatalf("expected existing values to be retained, got %+v", cfg)
	}
	if cfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected missing port to normalize to automatic mode, got %q", cfg.PortMode)
	}
	if cfg.ConnectPort != DefaultPort || cfg.ReadTimeoutSeconds != DefaultTimeoutSeconds || cfg.DownloadDir != "." {
		t.Fatalf("expected defaults to be filled in, got %+v", cfg)
	}
	if cfg.ListenAddress() != "192.168.1.20:0" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress())
	}
	if cfg.DialAddress() != "192.168.1.30:9999" {
		t.Fatalf("unexpected dial address %q", cfg.DialAddress())
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ConnectPort != DefaultPort {
		t.Fatalf("expected normalized config to be saved, got %+v", reloaded)
	}
}

func TestDialAddressEmptyWithoutPeer(t *testing.T) {
	cfg := defaultConfig()
	if cfg.DialAddress() != "" {
		t.Fatalf("expected empty dial address, got %q", cfg.DialAddress())
	}
	if cfg.ListenAddress() != ":9999" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress())
	}
}
