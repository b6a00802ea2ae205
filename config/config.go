package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"talkfeed/feed"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "talkfeed"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TALKFEED_DATA_DIR"
	// DefaultSampleRate is the capture/playback rate used when none is configured.
	DefaultSampleRate = 48000
	// DefaultFramesPerBuffer is the capture buffer length used when none is configured.
	DefaultFramesPerBuffer = 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	fallbackDisplayName = "Talkfeed Participant"
)

// DeviceConfig contains persistent local participant settings.
type DeviceConfig struct {
	ParticipantID         string            `json:"participant_id"`
	DisplayName           string            `json:"display_name"`
	RelayAddress          string            `json:"relay_address"`
	Ed25519PrivateKeyPath string            `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string            `json:"ed25519_public_key_path"`
	KeyFingerprint        string            `json:"key_fingerprint"`
	TrustedRelayKeys      map[string]string `json:"trusted_relay_keys"`
	SampleRate            float64           `json:"sample_rate"`
	FramesPerBuffer       int               `json:"frames_per_buffer"`
}

// Validate reports settings that cannot be normalized away.
func (c *DeviceConfig) Validate() error {
	if err := feed.ValidateParticipantID(c.ParticipantID); err != nil {
		return fmt.Errorf("participant_id: %w", err)
	}
	if c.DisplayName == "" {
		return errors.New("display_name cannot be empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %v", c.SampleRate)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	}
	return nil
}

// PinRelayKey records a relay key on first use. It reports whether the config changed.
// A different key for an already pinned relay is left untouched.
func (c *DeviceConfig) PinRelayKey(relayID, publicKey string) bool {
	if relayID == "" || publicKey == "" {
		return false
	}
	if c.TrustedRelayKeys == nil {
		c.TrustedRelayKeys = make(map[string]string)
	}
	if _, exists := c.TrustedRelayKeys[relayID]; exists {
		return false
	}
	c.TrustedRelayKeys[relayID] = publicKey
	return true
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TALKFEED_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func hostDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackDisplayName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = hostDisplayName()
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}

	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	if cfg.TrustedRelayKeys == nil {
		cfg.TrustedRelayKeys = make(map[string]string)
		updated = true
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
		updated = true
	}

	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
		updated = true
	}

	return updated
}
