package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/batch"
	"github.com/nao1215/conntest/internal/config"
	"github.com/nao1215/conntest/internal/probe"
)

// NewBatchCmd creates the batch command.
func NewBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Probe every target listed in the configuration file",
		Long: `Batch probes every entry of the targets list in the configuration file
concurrently and prints one row per target followed by a summary.

Each target takes its settings from, in order of precedence: the target
entry, the hosts entry of its host, and the defaults section. The
password comes from -p or $CONNTEST_PASSWORD and is used for every
target; passwords are never read from the configuration file.

Configuration file (.conntest) example:
  defaults:
    timeout: 5
  hosts:
    vc.lab.local:
      skipCertVerification: true
  targets:
    - protocol: ssh
      host: 10.0.0.5
      username: deploy
    - protocol: vcenter
      host: vc.lab.local
    - protocol: snmp
      host: switch1.lab.local

Examples:
  # Probe the targets of .conntest with 8 probes in flight
  CONNTEST_PASSWORD=secret conntest batch --concurrency 8

  # Write a Markdown report
  conntest batch -c lab.yaml --markdown > report.md`,
		Args: exactArgs(0),
		RunE: runBatchCmd,
	}

	cmd.Flags().StringP("password", "p", "",
		"Password for every target (default: $"+config.PasswordEnv+")")
	cmd.Flags().IntP("timeout", "t", int(config.DefaultTimeout/time.Second),
		"Timeout in seconds for targets without one")
	cmd.Flags().IntP("concurrency", "n", config.DefaultConcurrency,
		"Number of probes run at once")
	cmd.Flags().BoolP("skip-cert-verification", "k", false,
		"Do not verify TLS certificates of targets that do not say otherwise")

	return cmd
}

// runBatchCmd executes the batch command.
func runBatchCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildBatchConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateBatch(); err != nil {
		return newUsageError(fmt.Errorf("configuration error: %w", err))
	}

	logger := newLogger(cmd, cfg)

	// One registry per TLS setting; targets pick theirs.
	registries := make(map[bool]*probe.Registry, 2)
	for _, skip := range []bool{false, true} {
		if registries[skip], err = newRegistry(cfg, skip, logger); err != nil {
			return err
		}
	}

	reqs, err := buildRequests(cfg, registries[false])
	if err != nil {
		return err
	}

	var mu sync.Mutex
	done := 0
	processor := batch.NewProcessor(
		func(req batch.Request) (probe.Probe, error) {
			return registries[req.SkipCertVerification].Resolve(req.Protocol)
		},
		batch.WithConcurrency(cfg.Concurrency),
		batch.WithLogger(logger),
		batch.WithCallback(func(_ int, r probe.Result) {
			mu.Lock()
			defer mu.Unlock()
			done++
			logger.Info("target completed",
				slog.Int("done", done),
				slog.Int("total", len(reqs)),
				slog.String("protocol", r.Protocol),
				slog.String("target", r.Target.Address()),
				slog.Bool("succeeded", r.Succeeded),
			)
		}),
	)

	ctx := cmd.Context()
	results, runErr := processor.Process(ctx, reqs)

	saveHistory(ctx, cfg, logger, results...)

	if _, err := newWriter(cmd, cfg).WriteBatch(results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("batch interrupted: %w", runErr)
	}

	for _, r := range results {
		if !r.Succeeded {
			return errProbeFailed
		}
	}
	return nil
}

// buildBatchConfig reads the flags of the batch command.
func buildBatchConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := buildBaseConfig(cmd)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()

	if cfg.Password, err = flags.GetString("password"); err != nil {
		return nil, err
	}
	if !flags.Changed("password") {
		if pw, ok := passwordFromEnv(); ok {
			cfg.Password = pw
		}
	}

	seconds, err := flags.GetInt("timeout")
	if err != nil {
		return nil, err
	}
	cfg.Timeout = timeoutFromSeconds(seconds)

	if cfg.Concurrency, err = flags.GetInt("concurrency"); err != nil {
		return nil, err
	}
	if !flags.Changed("concurrency") && cfg.File.Concurrency != 0 {
		cfg.Concurrency = cfg.File.Concurrency
	}

	if cfg.SkipCertVerification, err = flags.GetBool("skip-cert-verification"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// buildRequests turns the targets list into batch requests. Unknown
// protocols are usage errors so that nothing is probed when the file is
// wrong.
func buildRequests(cfg *config.Config, reg *probe.Registry) ([]batch.Request, error) {
	reqs := make([]batch.Request, 0, len(cfg.File.Targets))
	keys := make(map[string]string)

	for i, t := range cfg.File.Targets {
		if _, err := reg.Resolve(t.Protocol); err != nil {
			return nil, newUsageError(&config.TargetError{Index: i, Err: err})
		}

		tc := cfg.File.GetTargetConfig(t)
		req := batch.Request{
			Protocol: tc.Protocol,
			Target:   probe.Target{Host: tc.Host, Port: tc.Port},
			Credentials: probe.Credentials{
				Username: tc.Username,
				Password: cfg.Password,
				Domain:   tc.Domain,
			},
			Timeout:              cfg.Timeout,
			SkipCertVerification: cfg.SkipCertVerification,
		}
		if tc.Timeout > 0 {
			req.Timeout = timeoutFromSeconds(tc.Timeout)
		}
		if tc.SkipCertVerification != nil {
			req.SkipCertVerification = *tc.SkipCertVerification
		}

		if tc.IdentityFile != "" {
			key, ok := keys[tc.IdentityFile]
			if !ok {
				var err error
				if key, err = readIdentityFile(tc.IdentityFile); err != nil {
					return nil, newUsageError(&config.TargetError{Index: i, Err: err})
				}
				keys[tc.IdentityFile] = key
			}
			req.Credentials.PrivateKey = key
			req.Credentials.Passphrase = passphraseFromEnv()
		}

		reqs = append(reqs, req)
	}
	return reqs, nil
}
