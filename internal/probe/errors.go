package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/nao1215/conntest/internal/session"
)

// Probe failure classes. Probes wrap library errors with one of these
// sentinels when they know the class; Classify infers it otherwise.
var (
	// ErrUnknownProtocol is returned by Registry.Resolve for names outside
	// the registered set. It is a usage error and is reported before any
	// network activity.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrInvalidRequest is returned when the target, credentials or timeout
	// fail validation.
	ErrInvalidRequest = errors.New("invalid probe request")

	// ErrTransport covers refused connections, unreachable hosts and DNS
	// failures.
	ErrTransport = errors.New("transport error")

	// ErrAuthentication is returned when the remote service rejects the
	// credentials.
	ErrAuthentication = errors.New("authentication rejected")

	// ErrNegotiation covers malformed handshakes, TLS verification failures
	// and servers that close the connection mid-negotiation.
	ErrNegotiation = errors.New("protocol negotiation failed")

	// ErrTimeout is returned when no terminal outcome arrives within the
	// configured budget.
	ErrTimeout = errors.New("timed out")
)

// ErrorKind classifies a failed probe.
type ErrorKind int

const (
	// KindNone is the kind of a successful result.
	KindNone ErrorKind = iota
	// KindInvalid marks requests rejected before any network activity.
	KindInvalid
	// KindTransport marks connection-level failures.
	KindTransport
	// KindAuthentication marks rejected credentials.
	KindAuthentication
	// KindNegotiation marks protocol-level failures after connecting.
	KindNegotiation
	// KindTimeout marks probes that ran out of time or were cancelled.
	KindTimeout
)

// String returns the lower-case name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalid:
		return "invalid"
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindNegotiation:
		return "negotiation"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds serialize by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// ParseKind is the inverse of ErrorKind.String. Unknown names map to
// KindNegotiation, the catch-all failure class.
func ParseKind(s string) ErrorKind {
	switch s {
	case "none", "":
		return KindNone
	case "invalid":
		return KindInvalid
	case "transport":
		return KindTransport
	case "authentication":
		return KindAuthentication
	case "timeout":
		return KindTimeout
	default:
		return KindNegotiation
	}
}

// Err returns the sentinel error for the kind, or nil for KindNone.
func (k ErrorKind) Err() error {
	switch k {
	case KindNone:
		return nil
	case KindInvalid:
		return ErrInvalidRequest
	case KindTransport:
		return ErrTransport
	case KindAuthentication:
		return ErrAuthentication
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrNegotiation
	}
}

// Classify maps an error returned by a probe attempt to an ErrorKind.
// Explicit sentinels win over inferred classes.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrNegotiation):
		return KindNegotiation
	case errors.Is(err, session.ErrTimeout):
		return KindTimeout
	case errors.Is(err, session.ErrClosed):
		return KindNegotiation
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// TLS failures happen after the TCP connect succeeded.
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return KindNegotiation
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransport
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindTransport
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindTransport
	}

	if looksLikeAuthFailure(err.Error()) {
		return KindAuthentication
	}

	return KindNegotiation
}

// authFailureMarkers are fragments that libraries put in credential
// rejection messages when they do not expose a typed error.
var authFailureMarkers = []string{
	"unable to authenticate",
	"incorrect user name or password",
	"invalid login",
	"401",
	"403 forbidden",
	"unauthorized",
	"logon failure",
	"authentication failure",
	"authentication failed",
}

func looksLikeAuthFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
