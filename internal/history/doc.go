// Package history stores probe results in a local SQLite database so that
// past connectivity checks can be listed with the history command.
//
// The database lives in the XDG data directory (~/.local/share/conntest on
// Linux) and is opened through modernc.org/sqlite, which needs no CGO.
// Only the outcome of a probe is recorded. Passwords, community strings and
// private keys are never written.
package history
