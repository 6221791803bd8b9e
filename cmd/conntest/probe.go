package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/config"
	"github.com/nao1215/conntest/internal/probe"
)

// newProbeCmd creates the subcommand of one protocol. Its flags follow
// the credential shape the probe reports through Fields.
func newProbeCmd(p probe.Probe) *cobra.Command {
	fields := p.Fields()
	defaults := p.Defaults()
	name := p.Name()

	cmd := &cobra.Command{
		Use:   name + " HOSTNAME",
		Short: p.Description(),
		Long: fmt.Sprintf(`%s

Connects to HOSTNAME on port %d unless -P is given, authenticates and
disconnects. Settings for HOSTNAME in the configuration file apply unless
the matching flag is given.

Examples:
%s`, p.Description(), p.DefaultPort(), probeExamples(name, fields)),
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbeCmd(cmd, name, args[0])
		},
	}

	if fields.Username {
		usage := "User name to log in as"
		if fields.RequireUsername {
			usage += " (required)"
		}
		cmd.Flags().StringP("username", "u", defaults.Username, usage)
	}
	passwordUsage := "Password (default: $" + config.PasswordEnv + ")"
	if name == "snmp" {
		passwordUsage = "SNMP v2c community string (default: $" + config.PasswordEnv + " or \"public\")"
	}
	cmd.Flags().StringP("password", "p", "", passwordUsage)
	if fields.Domain {
		cmd.Flags().StringP("domain", "d", defaults.Domain, "Windows domain or SSO realm")
	}
	if fields.PrivateKey {
		cmd.Flags().StringP("identity", "i", "",
			"Private key for public key authentication (passphrase: $"+config.PassphraseEnv+")")
	}
	cmd.Flags().IntP("port", "P", p.DefaultPort(), "Port to connect to")
	cmd.Flags().IntP("timeout", "t", int(config.DefaultTimeout/time.Second), "Timeout in seconds")
	if fields.TLS {
		cmd.Flags().BoolP("skip-cert-verification", "k", false,
			"Do not verify the server's TLS certificate")
	}

	return cmd
}

func probeExamples(name string, fields probe.Fields) string {
	var sb strings.Builder
	switch {
	case fields.Username && fields.Domain:
		fmt.Fprintf(&sb, "  conntest %s -u admin -p secret -d CORP 10.0.0.5\n", name)
	case fields.Username:
		fmt.Fprintf(&sb, "  conntest %s -u admin -p secret 10.0.0.5\n", name)
	default:
		fmt.Fprintf(&sb, "  conntest %s -p secret 10.0.0.5\n", name)
	}
	fmt.Fprintf(&sb, "  %s=secret conntest %s --json 10.0.0.5", config.PasswordEnv, name)
	if fields.TLS {
		fmt.Fprintf(&sb, "\n  conntest %s -k -p secret vc.lab.local", name)
	}
	return sb.String()
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return newUsageError(cobra.ExactArgs(n)(cmd, args))
	}
}

// runProbeCmd executes one probe.
func runProbeCmd(cmd *cobra.Command, protocol, host string) error {
	cfg, creds, err := buildProbeConfig(cmd, protocol, host)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return newUsageError(fmt.Errorf("configuration error: %w", err))
	}

	logger := newLogger(cmd, cfg)
	reg, err := newRegistry(cfg, cfg.SkipCertVerification, logger)
	if err != nil {
		return err
	}
	p, err := reg.Resolve(cfg.Protocol)
	if err != nil {
		return newUsageError(err)
	}

	target := probe.Target{Host: cfg.Host, Port: cfg.Port}
	if target.Port == 0 {
		target.Port = p.DefaultPort()
	}

	logger.Debug("starting probe",
		slog.String("protocol", p.Name()),
		slog.String("target", target.Address()),
		slog.Duration("timeout", cfg.Timeout),
		slog.Bool("skip_cert_verification", cfg.SkipCertVerification),
		slog.String("proxy", cfg.ProxyAddress),
	)

	ctx := cmd.Context()
	result := p.Run(ctx, target, creds, cfg.Timeout)

	// Invalid requests never reached the network; nothing worth keeping.
	if result.Kind != probe.KindInvalid {
		saveHistory(ctx, cfg, logger, result)
	}

	if _, err := newWriter(cmd, cfg).Write(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	switch {
	case result.Succeeded:
		return nil
	case result.Kind == probe.KindInvalid:
		return newUsageError(errProbeFailed)
	default:
		return errProbeFailed
	}
}

// buildProbeConfig merges flags, environment and the config file entry of
// host. Explicit flags win over the file, which wins over flag defaults.
func buildProbeConfig(cmd *cobra.Command, protocol, host string) (*config.Config, probe.Credentials, error) {
	var creds probe.Credentials

	cfg, err := buildBaseConfig(cmd)
	if err != nil {
		return nil, creds, err
	}
	cfg.Protocol = protocol
	cfg.Host = host

	hc := cfg.File.GetHostConfig(host)
	flags := cmd.Flags()

	if flags.Lookup("username") != nil {
		if cfg.Username, err = flags.GetString("username"); err != nil {
			return nil, creds, err
		}
		if !flags.Changed("username") && hc.Username != "" {
			cfg.Username = hc.Username
		}
	}

	if flags.Lookup("domain") != nil {
		if cfg.Domain, err = flags.GetString("domain"); err != nil {
			return nil, creds, err
		}
		if !flags.Changed("domain") && hc.Domain != "" {
			cfg.Domain = hc.Domain
		}
	}

	if cfg.Password, err = flags.GetString("password"); err != nil {
		return nil, creds, err
	}
	if !flags.Changed("password") {
		if pw, ok := passwordFromEnv(); ok {
			cfg.Password = pw
		}
	}

	if cfg.Port, err = flags.GetInt("port"); err != nil {
		return nil, creds, err
	}
	if !flags.Changed("port") && hc.Port != 0 {
		cfg.Port = hc.Port
	}

	seconds, err := flags.GetInt("timeout")
	if err != nil {
		return nil, creds, err
	}
	if !flags.Changed("timeout") && hc.Timeout != 0 {
		seconds = hc.Timeout
	}
	cfg.Timeout = timeoutFromSeconds(seconds)

	if flags.Lookup("skip-cert-verification") != nil {
		if cfg.SkipCertVerification, err = flags.GetBool("skip-cert-verification"); err != nil {
			return nil, creds, err
		}
		if !flags.Changed("skip-cert-verification") && hc.SkipCertVerification != nil {
			cfg.SkipCertVerification = *hc.SkipCertVerification
		}
	}

	if flags.Lookup("identity") != nil {
		if cfg.IdentityFile, err = flags.GetString("identity"); err != nil {
			return nil, creds, err
		}
		if !flags.Changed("identity") && hc.IdentityFile != "" {
			cfg.IdentityFile = hc.IdentityFile
		}
	}

	creds = probe.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
		Domain:   cfg.Domain,
	}
	if creds.PrivateKey, err = readIdentityFile(cfg.IdentityFile); err != nil {
		return nil, creds, newUsageError(err)
	}
	if creds.PrivateKey != "" {
		creds.Passphrase = passphraseFromEnv()
	}

	return cfg, creds, nil
}
