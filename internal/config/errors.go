package config

import (
	"errors"
	"fmt"
)

// Configuration validation errors, returned by Config.Validate and
// Config.ValidateBatch. Callers match them with errors.Is.
var (
	// ErrNoTarget is returned when no host is given.
	ErrNoTarget = errors.New("no target specified: provide a HOSTNAME")

	// ErrNoTargets is returned by batch when the config file lists no
	// targets.
	ErrNoTargets = errors.New("no targets specified: add a targets list to the config file")

	// ErrIncompleteTarget is returned for a batch target without protocol
	// or host.
	ErrIncompleteTarget = errors.New("target needs both protocol and host")

	// ErrInvalidTimeout is returned when the timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be a positive number of seconds")

	// ErrInvalidPort is returned for ports outside 0-65535 (0 selects the
	// protocol default).
	ErrInvalidPort = errors.New("invalid port: must be between 1 and 65535")

	// ErrInvalidConcurrency is returned when batch concurrency is not
	// positive.
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be positive")

	// ErrConflictingReportFormats is returned when both --json and
	// --markdown are given.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")

	// ErrConfigNotFound is returned when the configuration file does not
	// exist.
	ErrConfigNotFound = errors.New("configuration file not found")
)

// TargetError reports which batch target is invalid.
type TargetError struct {
	Index int
	Err   error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("target #%d: %v", e.Index+1, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}
