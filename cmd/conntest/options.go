package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/config"
	"github.com/nao1215/conntest/internal/history"
	clog "github.com/nao1215/conntest/internal/log"
	"github.com/nao1215/conntest/internal/probe"
	"github.com/nao1215/conntest/internal/report"
)

// buildBaseConfig creates a Config from the persistent flags and loads
// the configuration file.
func buildBaseConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	var err error
	if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
		return nil, err
	}
	if cfg.JSON, err = flags.GetBool("json"); err != nil {
		return nil, err
	}
	if cfg.Markdown, err = flags.GetBool("markdown"); err != nil {
		return nil, err
	}
	if cfg.ConfigFilePath, err = flags.GetString("config"); err != nil {
		return nil, err
	}
	if cfg.ProxyAddress, err = flags.GetString("proxy"); err != nil {
		return nil, err
	}
	noHistory, err := flags.GetBool("no-history")
	if err != nil {
		return nil, err
	}
	cfg.SaveHistory = !noHistory
	dbDir, err := flags.GetString("db-dir")
	if err != nil {
		return nil, err
	}
	if dbDir != "" {
		cfg.DBDir = dbDir
	}

	// If the user named a config file, it must exist. Otherwise a missing
	// file means no per-host settings.
	configPath := config.FindConfigFile(cfg.ConfigFilePath)
	switch {
	case configPath != "":
		cfg.File, err = config.LoadConfigFile(configPath)
		if err != nil {
			return nil, newUsageError(fmt.Errorf("failed to load config file %s: %w", configPath, err))
		}
	case cfg.ConfigFilePath != "":
		return nil, newUsageError(fmt.Errorf("%w: %s", config.ErrConfigNotFound, cfg.ConfigFilePath))
	default:
		cfg.File = &config.File{Hosts: make(map[string]config.HostConfig)}
	}

	return cfg, nil
}

// newLogger creates the redacting logger. Without --verbose it drops
// everything so that the outcome line is the only output.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	if cfg.JSON {
		return clog.NewSecureJSONLogger(cmd.ErrOrStderr(), cfg.Verbose)
	}
	return clog.NewSecureLogger(cmd.ErrOrStderr(), cfg.Verbose)
}

// newRegistry builds the probes for one run.
func newRegistry(cfg *config.Config, skipVerify bool, logger *slog.Logger) (*probe.Registry, error) {
	dialer, err := probe.NewDialer(cfg.ProxyAddress)
	if err != nil {
		return nil, newUsageError(err)
	}
	return probe.NewRegistry(
		probe.WithDialer(dialer),
		probe.WithLogger(logger),
		probe.WithSkipCertVerification(skipVerify),
	), nil
}

// newWriter returns the result writer selected by the output flags.
func newWriter(cmd *cobra.Command, cfg *config.Config) report.Writer {
	format := report.FormatText
	switch {
	case cfg.JSON:
		format = report.FormatJSON
	case cfg.Markdown:
		format = report.FormatMarkdown
	}
	return report.NewWriter(format, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// saveHistory records results. Failures are logged and otherwise ignored:
// the history is a convenience and must not change the outcome.
func saveHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger, results ...probe.Result) {
	if !cfg.SaveHistory || len(results) == 0 {
		return
	}

	store, err := history.Open(cfg.DBDir, history.DefaultOptions())
	if err != nil {
		logger.Warn("failed to open history database", slog.String("dir", cfg.DBDir), slog.Any("error", err))
		return
	}
	defer store.Close()

	// The probe may have consumed the whole deadline of ctx.
	ctx = context.WithoutCancel(ctx)
	for _, r := range results {
		if err := store.Save(ctx, r); err != nil {
			logger.Warn("failed to save result", slog.String("id", r.ID.String()), slog.Any("error", err))
		}
	}
	logger.Debug("results saved to history", slog.Int("count", len(results)), slog.String("path", store.Path()))
}

// timeoutFromSeconds converts a seconds count from flags or the config
// file.
func timeoutFromSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// passwordFromEnv returns the password given through the environment.
func passwordFromEnv() (string, bool) {
	return os.LookupEnv(config.PasswordEnv)
}

// passphraseFromEnv returns the passphrase of encrypted identity files.
func passphraseFromEnv() string {
	return os.Getenv(config.PassphraseEnv)
}

// readIdentityFile loads a private key for SSH.
func readIdentityFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // User-provided key path is intentional
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("identity file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}
	return string(data), nil
}
