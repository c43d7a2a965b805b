package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fileserver"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "FILESERVER_DATA_DIR"
	// DefaultPort is the TCP port used when no user override exists.
	DefaultPort = 9999
	// DefaultTimeoutSeconds bounds each blocking socket read or write.
	DefaultTimeoutSeconds = 20
	// DefaultChunkSize is the outgoing file chunk size (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// PortModeAutomatic lets the OS pick the listening port.
	PortModeAutomatic = "automatic"
	// PortModeFixed listens on HostPort.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent settings for hosting and connecting.
type Config struct {
	DeviceID            string `json:"device_id"`
	DeviceName          string `json:"device_name"`
	HostAddress         string `json:"host_address"`
	PortMode            string `json:"port_mode"`
	HostPort            int    `json:"host_port"`
	ConnectAddress      string `json:"connect_address"`
	ConnectPort         int    `json:"connect_port"`
	AutoAccept          bool   `json:"auto_accept"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	DownloadDir         string `json:"download_dir"`
	ChunkSize           int    `json:"chunk_size"`
	DisableDiscovery    bool   `json:"disable_discovery"`
	SkipChecksums       bool   `json:"skip_checksums"`
}

// ReadTimeout returns the per-read socket timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-write socket timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// ListenAddress returns the host:port to listen on. Automatic port mode
// yields port 0.
func (c *Config) ListenAddress() string {
	port := c.HostPort
	if c.PortMode == PortModeAutomatic {
		port = 0
	}
	return net.JoinHostPort(c.HostAddress, strconv.Itoa(port))
}

// DialAddress returns the configured peer as host:port, or "" if no peer
// address is configured.
func (c *Config) DialAddress() string {
	if c.ConnectAddress == "" {
		return ""
	}
	return net.JoinHostPort(c.ConnectAddress, strconv.Itoa(c.ConnectPort))
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILESERVER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data dir and config exist, then returns the
// config, its path and the data dir.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() *Config {
	return &Config{
		DeviceID:            uuid.NewString(),
		DeviceName:          defaultDeviceName(),
		PortMode:            PortModeFixed,
		HostPort:            DefaultPort,
		ConnectPort:         DefaultPort,
		ReadTimeoutSeconds:  DefaultTimeoutSeconds,
		WriteTimeoutSeconds: DefaultTimeoutSeconds,
		DownloadDir:         ".",
		ChunkSize:           DefaultChunkSize,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "fileserver"
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.HostPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.HostPort <= 0 {
		cfg.HostPort = DefaultPort
		updated = true
	}
	if cfg.ConnectPort <= 0 {
		cfg.ConnectPort = DefaultPort
		updated = true
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		cfg.ReadTimeoutSeconds = DefaultTimeoutSeconds
		updated = true
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		cfg.WriteTimeoutSeconds = DefaultTimeoutSeconds
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "."
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
