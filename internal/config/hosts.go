package config

// HostConfig holds per-host settings. Empty fields inherit from the
// file defaults, and explicit command line flags override both.
type HostConfig struct {
	// Username is the account to log in as.
	Username string `yaml:"username,omitempty"`

	// Domain is the Windows domain or SSO realm.
	Domain string `yaml:"domain,omitempty"`

	// Port overrides the protocol default port.
	Port int `yaml:"port,omitempty"`

	// Timeout is the probe timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// SkipCertVerification disables TLS certificate checks for this host.
	// A pointer so that a host can turn verification back on.
	SkipCertVerification *bool `yaml:"skipCertVerification,omitempty"`

	// IdentityFile is a private key used for SSH.
	IdentityFile string `yaml:"identityFile,omitempty"`
}

// TargetConfig is one entry of the batch target list.
type TargetConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`

	HostConfig `yaml:",inline"`
}

// File represents the structure of the .conntest configuration file.
//
//	defaults:
//	  timeout: 5
//	hosts:
//	  10.0.0.5:
//	    username: admin
//	targets:
//	  - protocol: ssh
//	    host: 10.0.0.5
type File struct {
	// Defaults apply to every host.
	Defaults HostConfig `yaml:"defaults,omitempty"`

	// Hosts maps a host name or address, as typed on the command line, to
	// its settings.
	Hosts map[string]HostConfig `yaml:"hosts,omitempty"`

	// Targets is the list probed by the batch command.
	Targets []TargetConfig `yaml:"targets,omitempty"`

	// Concurrency overrides the batch concurrency.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// GetHostConfig returns the settings for host: the defaults overridden by
// the host specific entry.
func (cf *File) GetHostConfig(host string) HostConfig {
	result := cf.Defaults
	if hc, ok := cf.Hosts[host]; ok {
		result = merge(result, hc)
	}
	return result
}

// GetTargetConfig returns a batch target with the settings of its host
// and the file defaults filled in.
func (cf *File) GetTargetConfig(t TargetConfig) TargetConfig {
	t.HostConfig = merge(cf.GetHostConfig(t.Host), t.HostConfig)
	return t
}

// merge returns base with every non-zero field of override applied.
func merge(base, override HostConfig) HostConfig {
	if override.Username != "" {
		base.Username = override.Username
	}
	if override.Domain != "" {
		base.Domain = override.Domain
	}
	if override.Port != 0 {
		base.Port = override.Port
	}
	if override.Timeout != 0 {
		base.Timeout = override.Timeout
	}
	if override.SkipCertVerification != nil {
		base.SkipCertVerification = override.SkipCertVerification
	}
	if override.IdentityFile != "" {
		base.IdentityFile = override.IdentityFile
	}
	return base
}
