// Package config loads the agent's configuration from TOML with defaults,
// environment overrides, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete agent configuration.
type Config struct {
	// SocketPath overrides the computed IPC socket location. Empty means
	// resolve from the runtime directory.
	SocketPath string `toml:"socket_path"`

	IPC      IPCConfig      `toml:"ipc"`
	Security SecurityConfig `toml:"security"`
	Auth     AuthConfig     `toml:"auth"`
}

// IPCConfig tunes the protocol server.
type IPCConfig struct {
	// MaxMessagesPerSecond caps inbound messages per client.
	MaxMessagesPerSecond int `toml:"max_messages_per_second"`
	// SessionTimeoutSecs is the idle IPC session lifetime.
	SessionTimeoutSecs int `toml:"session_timeout_secs"`
	// HeartbeatTimeoutSecs disconnects a silent client; 0 disables.
	HeartbeatTimeoutSecs int `toml:"heartbeat_timeout_secs"`
	// QueueSize bounds the offline replay queue.
	QueueSize int `toml:"queue_size"`
	// FileFallback additionally serves the file-based exchange channel.
	FileFallback bool `toml:"file_fallback"`
}

// SecurityConfig tunes auditing and message signing.
type SecurityConfig struct {
	// AuditDBPath locates the append-only audit database. Empty disables
	// persistent auditing (events still go to the structured log).
	AuditDBPath string `toml:"audit_db_path"`
	// RequireSignatures rejects unsigned messages instead of accepting them.
	RequireSignatures bool `toml:"require_signatures"`
	// PeerCredCheck rejects connections from other UIDs.
	PeerCredCheck bool `toml:"peer_cred_check"`
}

// AuthConfig tunes the authentication state machine.
type AuthConfig struct {
	// KeyTimeoutSecs is how long a passive security key attempt may run.
	KeyTimeoutSecs int `toml:"key_timeout_secs"`
	// DetectorMode selects key presence detection: "usb", "always", "never".
	DetectorMode string `toml:"detector_mode"`
	// HelperPath overrides the setuid PAM helper binary.
	HelperPath string `toml:"helper_path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		IPC: IPCConfig{
			MaxMessagesPerSecond: 10,
			SessionTimeoutSecs:   300,
			HeartbeatTimeoutSecs: 60,
			QueueSize:            50,
		},
		Security: SecurityConfig{
			PeerCredCheck: true,
		},
		Auth: AuthConfig{
			KeyTimeoutSecs: 15,
			DetectorMode:   "usb",
		},
	}
}

// Path returns the default config file location under the user config dir.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	return filepath.Join(dir, "quickshell-polkit-agent", "config.toml"), nil
}

// Load reads path (or the default location when path is empty), applies
// environment overrides, and validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := Path()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides, highest precedence:
//
//	QUICKSHELL_POLKIT_SOCKET       socket_path
//	QUICKSHELL_POLKIT_AUDIT_DB     security.audit_db_path
//	QUICKSHELL_POLKIT_DETECTOR     auth.detector_mode
//	QUICKSHELL_POLKIT_KEY_TIMEOUT  auth.key_timeout_secs
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUICKSHELL_POLKIT_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("QUICKSHELL_POLKIT_AUDIT_DB"); v != "" {
		c.Security.AuditDBPath = v
	}
	if v := os.Getenv("QUICKSHELL_POLKIT_DETECTOR"); v != "" {
		c.Auth.DetectorMode = v
	}
	if v := os.Getenv("QUICKSHELL_POLKIT_KEY_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Auth.KeyTimeoutSecs = secs
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.IPC.MaxMessagesPerSecond < 1 {
		return fmt.Errorf("ipc.max_messages_per_second must be at least 1, got %d", c.IPC.MaxMessagesPerSecond)
	}
	if c.IPC.SessionTimeoutSecs < 1 {
		return fmt.Errorf("ipc.session_timeout_secs must be at least 1, got %d", c.IPC.SessionTimeoutSecs)
	}
	if c.IPC.HeartbeatTimeoutSecs < 0 {
		return fmt.Errorf("ipc.heartbeat_timeout_secs cannot be negative, got %d", c.IPC.HeartbeatTimeoutSecs)
	}
	if c.IPC.QueueSize < 1 {
		return fmt.Errorf("ipc.queue_size must be at least 1, got %d", c.IPC.QueueSize)
	}
	if c.Auth.KeyTimeoutSecs < 1 {
		return fmt.Errorf("auth.key_timeout_secs must be at least 1, got %d", c.Auth.KeyTimeoutSecs)
	}
	switch strings.ToLower(c.Auth.DetectorMode) {
	case "usb", "always", "never":
	default:
		return fmt.Errorf("auth.detector_mode must be usb, always, or never, got %q", c.Auth.DetectorMode)
	}
	return nil
}

// SessionTimeout returns ipc.session_timeout_secs as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.IPC.SessionTimeoutSecs) * time.Second
}

// HeartbeatTimeout returns ipc.heartbeat_timeout_secs as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.IPC.HeartbeatTimeoutSecs) * time.Second
}

// KeyTimeout returns auth.key_timeout_secs as a duration.
func (c *Config) KeyTimeout() time.Duration {
	return time.Duration(c.Auth.KeyTimeoutSecs) * time.Second
}
