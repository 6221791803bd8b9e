package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/conntest/internal/config"
)

// TestNewInitCmd tests the init command creation.
func TestNewInitCmd(t *testing.T) {
	t.Parallel()

	cmd := NewInitCmd()

	t.Run("has output flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("output")
		if flag == nil {
			t.Fatal("expected output flag")
		}
		if flag.Shorthand != "o" {
			t.Errorf("expected shorthand 'o', got %q", flag.Shorthand)
		}
		if flag.DefValue != config.DefaultConfigFile {
			t.Errorf("expected default %q, got %q", config.DefaultConfigFile, flag.DefValue)
		}
	})

	t.Run("has force flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("force")
		if flag == nil {
			t.Fatal("expected force flag")
		}
		if flag.Shorthand != "f" {
			t.Errorf("expected shorthand 'f', got %q", flag.Shorthand)
		}
	})
}

// TestRunInitCmd tests the init command execution.
func TestRunInitCmd(t *testing.T) {
	t.Parallel()

	t.Run("creates a loadable config file", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), "nested", ".conntest")
		code, stdout, stderr := execute(t, "init", "-o", outputPath)
		if code != exitOK {
			t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr)
		}
		if !strings.Contains(stdout, "Created configuration file") {
			t.Errorf("unexpected output %q", stdout)
		}

		cf, err := config.LoadConfigFile(outputPath)
		if err != nil {
			t.Fatalf("generated file does not load: %v", err)
		}
		if cf.Defaults.Timeout != 10 {
			t.Errorf("expected default timeout 10, got %d", cf.Defaults.Timeout)
		}
		if len(cf.Targets) != 0 {
			t.Errorf("expected no active targets, got %d", len(cf.Targets))
		}

		info, err := os.Stat(outputPath)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			t.Errorf("expected owner-only permissions, got %o", perm)
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), ".conntest")
		if err := os.WriteFile(outputPath, []byte("existing"), 0o600); err != nil {
			t.Fatal(err)
		}

		code, _, stderr := execute(t, "init", "-o", outputPath)
		if code != exitFailure {
			t.Errorf("expected exit %d, got %d", exitFailure, code)
		}
		if !strings.Contains(stderr, "already exists") {
			t.Errorf("unexpected stderr %q", stderr)
		}

		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != "existing" {
			t.Error("existing file was modified")
		}
	})

	t.Run("force overwrites", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), ".conntest")
		if err := os.WriteFile(outputPath, []byte("existing"), 0o600); err != nil {
			t.Fatal(err)
		}

		code, _, _ := execute(t, "init", "-f", "-o", outputPath)
		if code != exitOK {
			t.Fatalf("expected exit 0, got %d", code)
		}
		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(content), "targets:") {
			t.Error("expected the template to be written")
		}
	})
}
