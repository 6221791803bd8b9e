package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys contains attribute keys that are always masked.
var sensitiveKeys = map[string]bool{
	// HTTP headers
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-opsview-token":     true,

	// Credentials submitted by probes
	"password":    true,
	"passwd":      true,
	"passphrase":  true,
	"community":   true,
	"secret":      true,
	"token":       true,
	"private_key": true,
	"privatekey":  true,
	"identity":    true,

	// Session
	"session_id":          true,
	"sessionid":           true,
	"vmware_soap_session": true,

	"credential":  true,
	"credentials": true,
}

// sensitivePatterns contains value patterns that are masked regardless of
// the key name.
var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)^bearer\s+.+`),

	// Basic auth
	regexp.MustCompile(`(?i)^basic\s+[A-Za-z0-9+/=]+$`),

	// NTLM negotiation blobs
	regexp.MustCompile(`(?i)^(ntlm|negotiate)\s+[A-Za-z0-9+/=]+$`),

	// Opsview and other API tokens (long hex or alphanumeric strings)
	regexp.MustCompile(`^[a-zA-Z0-9]{32,}$`),

	// Private key markers
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
}

// MaskValue replaces sensitive values in log output.
const MaskValue = "***REDACTED***"

// LevelQuiet is above every level the application logs at. A logger at
// this level writes nothing, which keeps command output to one line.
const LevelQuiet = slog.LevelError + 4

// SecureHandler wraps an slog.Handler and masks sensitive attribute values
// before they reach it. Credentials can therefore be attached to log
// records (as "password", "community", ...) without ever being written.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler creates a new SecureHandler wrapping handler.
// If handler is nil, slog.Default().Handler() is used.
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled delegates to the underlying handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle sanitizes the record's attributes and passes it on.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)

	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(h.sanitizeAttr(a))
		return true
	})

	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs returns a new handler with the sanitized attributes added.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitizedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitizedAttrs[i] = h.sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitizedAttrs)}
}

// WithGroup returns a new handler with the given group name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

func (h *SecureHandler) sanitizeAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitizedAttrs := make([]slog.Attr, len(attrs))
		for i, groupAttr := range attrs {
			sanitizedAttrs[i] = h.sanitizeAttr(groupAttr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitizedAttrs...)}
	}

	keyLower := strings.ToLower(a.Key)
	if sensitiveKeys[keyLower] || containsSensitiveKeyword(keyLower) {
		// Empty values carry no secret.
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			return a
		}
		return slog.String(a.Key, MaskValue)
	}

	if a.Value.Kind() == slog.KindString && isSensitiveValue(a.Value.String()) {
		return slog.String(a.Key, MaskValue)
	}

	return a
}

// containsSensitiveKeyword checks whether key contains a sensitive word.
// The bare word "key" is left out: it would match "host_key" and similar
// harmless attributes.
func containsSensitiveKeyword(key string) bool {
	sensitiveKeywords := []string{
		"password", "passwd", "passphrase", "secret", "token",
		"credential", "private", "community",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

func isSensitiveValue(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// level maps the verbose flag to a handler level. Without verbose output
// nothing is logged: the command prints its single result line itself.
func level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return LevelQuiet
}

// NewSecureLogger creates a text logger that sanitizes sensitive values.
//
// Parameters:
//   - w: where log output goes (typically os.Stderr)
//   - verbose: if true, logs at Debug; otherwise the logger is silent
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	return newLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level(verbose)}))
}

// NewSecureJSONLogger is NewSecureLogger with JSON output, used together
// with --json so that logs and results can be parsed by the same tools.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	return newLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level(verbose)}))
}

// NewLevelLogger creates a sanitizing text logger at an explicit level.
// Tests use it to capture what probes log.
func NewLevelLogger(w io.Writer, l slog.Level) *slog.Logger {
	return newLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

func newLogger(h slog.Handler) *slog.Logger {
	return slog.New(NewSecureHandler(h))
}
