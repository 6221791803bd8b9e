package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/config"
	"github.com/nao1215/conntest/internal/history"
	"github.com/nao1215/conntest/internal/probe"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past probe results",
		Long: `History lists the results recorded by earlier runs, newest first.

Results are stored in the XDG data directory
(~/.local/share/conntest/conntest.db on Linux) unless --no-history was
given. Only outcomes are stored, never passwords.

Examples:
  # Last 20 results
  conntest history

  # Failed vCenter logins against one host
  conntest history --protocol vcenter --host vc.lab.local --failed

  # Delete results older than 30 days
  conntest history --prune 720h`,
		Args: exactArgs(0),
		RunE: runHistoryCmd,
	}

	cmd.Flags().String("protocol", "", "Only show results of this protocol")
	cmd.Flags().String("host", "", "Only show results for this host")
	cmd.Flags().Bool("failed", false, "Only show failed probes")
	cmd.Flags().IntP("limit", "n", config.DefaultHistoryLimit,
		"Maximum number of results to show (0 for all)")
	cmd.Flags().Duration("prune", 0,
		"Delete results older than this duration instead of listing")

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildBaseConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.JSON && cfg.Markdown {
		return newUsageError(config.ErrConflictingReportFormats)
	}

	flags := cmd.Flags()
	var filter history.Filter
	if filter.Protocol, err = flags.GetString("protocol"); err != nil {
		return err
	}
	if filter.Host, err = flags.GetString("host"); err != nil {
		return err
	}
	if filter.FailedOnly, err = flags.GetBool("failed"); err != nil {
		return err
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		return err
	}
	prune, err := flags.GetDuration("prune")
	if err != nil {
		return err
	}
	if prune < 0 {
		return newUsageError(fmt.Errorf("invalid prune duration: %s", prune))
	}

	out := cmd.OutOrStdout()

	dbPath := filepath.Join(cfg.DBDir, history.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No history recorded.")
		return nil
	}

	store, err := history.Open(cfg.DBDir, history.Options{EnableWAL: true})
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	if prune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-prune))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d result(s) older than %s.\n", n, prune)
		return nil
	}

	records, err := store.Recent(ctx, filter, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No matching results.")
		return nil
	}

	results := make([]probe.Result, len(records))
	for i, rec := range records {
		results[i] = recordToResult(rec)
	}
	if _, err := newWriter(cmd, cfg).WriteBatch(results); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

func recordToResult(rec history.Record) probe.Result {
	return probe.Result{
		ID:        rec.ID,
		Protocol:  rec.Protocol,
		Target:    probe.Target{Host: rec.Host, Port: rec.Port},
		Username:  rec.Username,
		Succeeded: rec.Succeeded,
		Message:   rec.Message,
		Kind:      rec.Kind,
		StartedAt: rec.StartedAt,
		Duration:  rec.Duration,
	}
}
