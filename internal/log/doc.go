// Package log provides structured logging with automatic masking of
// secrets, built on top of the standard slog package.
//
// Probes attach the credentials they submit to their log records, so a
// failed login can be diagnosed from the logs. The SecureHandler replaces
// every such value with MaskValue before it is written:
//   - submitted credentials (password, passphrase, SNMP community)
//   - private keys and API tokens, by key name or by value pattern
//   - HTTP authorization headers
//
// Even in verbose mode, sensitive values are masked.
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, true) // verbose=true
//
//	logger.Error("login failed",
//	    "username", "root",
//	    "password", "hunter2", // written as ***REDACTED***
//	)
//
// Without verbose output the loggers are silent (LevelQuiet): conntest
// prints exactly one result line per invocation and logs would break that.
package log
