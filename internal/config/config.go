package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// DefaultTimeout bounds a single probe, including the post-connect
	// negotiation of remote desktop protocols.
	DefaultTimeout = 10 * time.Second

	// DefaultConcurrency is the number of probes the batch command runs
	// at once.
	DefaultConcurrency = 4

	// DefaultHistoryLimit is how many past results the history command
	// lists when no limit is given.
	DefaultHistoryLimit = 20

	// AppName is the application name used for XDG directory paths.
	AppName = "conntest"

	// PasswordEnv names the environment variable read when no password
	// flag is given. Passwords are never read from the config file.
	PasswordEnv = "CONNTEST_PASSWORD"

	// PassphraseEnv names the environment variable holding the passphrase
	// of an encrypted SSH identity file.
	PassphraseEnv = "CONNTEST_PASSPHRASE"
)

// Config holds the options of one conntest invocation. It is populated
// from CLI flags, completed from the config file, and passed down
// explicitly.
type Config struct {
	// Protocol is the probe name (ssh, rdp, ...).
	Protocol string

	// Host is the target host name or IP address.
	Host string

	// Port is the target port. Zero means the probe's default port.
	Port int

	// Username is the account to log in as. Empty means the probe's
	// default user.
	Username string

	// Password is the password, or the community for SNMP.
	Password string

	// Domain is the Windows domain or SSO realm.
	Domain string

	// IdentityFile is the path of a private key for SSH.
	IdentityFile string

	// Timeout bounds each probe.
	Timeout time.Duration

	// SkipCertVerification disables TLS certificate checks. Verification
	// is on by default.
	SkipCertVerification bool

	// Verbose enables debug logging on stderr.
	Verbose bool

	// JSON switches result output to one JSON object per line.
	JSON bool

	// Markdown switches batch output to a Markdown report.
	// Mutually exclusive with JSON.
	Markdown bool

	// ProxyAddress is a SOCKS5 proxy ("host:port") used for TCP probes.
	ProxyAddress string

	// ConfigFilePath is the explicit config file. If empty, .conntest is
	// searched in the current and then the home directory.
	ConfigFilePath string

	// File is the loaded config file, if any.
	File *File

	// DBDir is the directory of the history database.
	// Defaults to the XDG data directory (~/.local/share/conntest on Linux).
	DBDir string

	// SaveHistory records results in the history database.
	SaveHistory bool

	// Concurrency is the number of probes run at once by batch.
	Concurrency int
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		Timeout:     DefaultTimeout,
		DBDir:       XDGDataDir(),
		SaveHistory: true,
		Concurrency: DefaultConcurrency,
	}
}

// XDGDataDir returns the XDG data directory for conntest.
// On Linux: ~/.local/share/conntest
// On macOS: ~/Library/Application Support/conntest
// On Windows: %LOCALAPPDATA%\conntest
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for conntest.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks the options of a single probe run and returns the
// first problem found.
func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrNoTarget
	}
	return c.validateCommon()
}

// ValidateBatch checks the options of a batch run.
func (c *Config) ValidateBatch() error {
	if c.File == nil || len(c.File.Targets) == 0 {
		return ErrNoTargets
	}
	for i, t := range c.File.Targets {
		if t.Protocol == "" || t.Host == "" {
			return &TargetError{Index: i, Err: ErrIncompleteTarget}
		}
		if t.Port < 0 || t.Port > 65535 {
			return &TargetError{Index: i, Err: ErrInvalidPort}
		}
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.JSON && c.Markdown {
		return ErrConflictingReportFormats
	}
	return nil
}
