package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	clog "github.com/nao1215/conntest/internal/log"
)

// Probe performs one authenticated connectivity attempt against one
// protocol.
type Probe interface {
	// Name returns the protocol identifier used by the registry (e.g. "ssh").
	Name() string

	// Description returns a one-line summary used in CLI help.
	Description() string

	// DefaultPort returns the port used when the target does not name one.
	DefaultPort() int

	// Defaults returns the default-credential policy of the probe. Empty
	// fields have no default.
	Defaults() Credentials

	// Fields reports which credential fields the probe consumes.
	Fields() Fields

	// Run attempts connection and authentication within timeout and
	// returns exactly one Result. It never returns an error and never
	// panics; every failure is reduced to a failed Result.
	Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result
}

// Target identifies the remote endpoint of a probe.
type Target struct {
	Host string `json:"host" validate:"required,host"`
	Port int    `json:"port" validate:"min=1,max=65535"`
}

// Address returns the target in "host:port" form.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Address()
}

// Credentials holds the secrets a probe submits. Which fields are used,
// required or defaulted depends on the probe (see Probe.Fields and
// Probe.Defaults).
type Credentials struct {
	// Username is the account name. SNMP and VNC ignore it.
	Username string `json:"username,omitempty"`

	// Password is the account password. For SNMP it carries the community
	// string. It is never logged verbatim and never persisted.
	Password string `json:"-"`

	// Domain is the Windows domain (RDP, WinRM) or the SSO realm (vCenter).
	Domain string `json:"domain,omitempty"`

	// PrivateKey is a PEM encoded private key for SSH public-key auth.
	PrivateKey string `json:"-"`

	// Passphrase decrypts PrivateKey when it is encrypted.
	Passphrase string `json:"-"`
}

// withDefaults fills empty fields from defaults.
func (c Credentials) withDefaults(defaults Credentials) Credentials {
	if c.Username == "" {
		c.Username = defaults.Username
	}
	if c.Password == "" {
		c.Password = defaults.Password
	}
	if c.Domain == "" {
		c.Domain = defaults.Domain
	}
	return c
}

// Fields describes the credential shape of a probe. The command line
// dispatcher derives its per-protocol flags from it.
type Fields struct {
	// Username is true when the probe submits a user name.
	Username bool
	// RequireUsername is true when a user name must be supplied because
	// the probe has no default.
	RequireUsername bool
	// Domain is true when the probe accepts a domain or realm.
	Domain bool
	// PrivateKey is true when the probe can authenticate with a key.
	PrivateKey bool
	// TLS is true when the probe talks TLS and honours certificate
	// verification settings.
	TLS bool
}

// Result is the uniform outcome of a probe invocation.
type Result struct {
	// ID uniquely identifies this invocation.
	ID uuid.UUID `json:"id"`

	// Protocol is the probe name.
	Protocol string `json:"protocol"`

	// Target is the probed endpoint.
	Target Target `json:"target"`

	// Username is the account that was tried, if any.
	Username string `json:"username,omitempty"`

	// Succeeded reports whether the credentials were accepted.
	Succeeded bool `json:"succeeded"`

	// Message is a human-readable summary of the outcome.
	Message string `json:"message"`

	// Kind classifies a failure. It is KindNone on success.
	Kind ErrorKind `json:"kind"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
}

// Err returns the sentinel error matching the result kind, or nil when the
// probe succeeded.
func (r Result) Err() error {
	if r.Succeeded {
		return nil
	}
	return r.Kind.Err()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("host", validHost); err != nil {
		panic(err)
	}
	return v
}

// validHost accepts IP addresses and DNS names. Labels may contain
// underscores, which many internal zones use.
func validHost(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	if net.ParseIP(host) != nil {
		return true
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// validateRequest checks the inputs common to every probe.
func validateRequest(target Target, creds Credentials, fields Fields, timeout time.Duration) error {
	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, formatFieldError(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if fields.RequireUsername {
		if err := validate.Var(creds.Username, "required"); err != nil {
			return fmt.Errorf("%w: username is required", ErrInvalidRequest)
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "min", "max":
		return fmt.Sprintf("%s must be between 1 and 65535", field)
	default:
		return fmt.Sprintf("%s %q is not valid", field, e.Value())
	}
}

// attemptFunc performs the protocol work of a probe. The returned detail is
// appended to the success message.
type attemptFunc func(ctx context.Context) (detail string, err error)

// base carries what every probe shares and implements the outcome
// reduction around an attempt.
type base struct {
	name        string
	display     string
	description string
	port        int
	defaults    Credentials
	fields      Fields
	opts        *options
}

func (b *base) Name() string          { return b.name }
func (b *base) Description() string   { return b.description }
func (b *base) DefaultPort() int      { return b.port }
func (b *base) Defaults() Credentials { return b.defaults }
func (b *base) Fields() Fields        { return b.fields }

// execute validates the request, runs attempt under the governor with the
// given budget and reduces the outcome to a Result. It logs exactly one
// line per outcome.
func (b *base) execute(ctx context.Context, target Target, creds Credentials, timeout, budget time.Duration, attempt attemptFunc) Result {
	result := Result{
		ID:        uuid.New(),
		Protocol:  b.name,
		Target:    target,
		Username:  creds.Username,
		StartedAt: time.Now(),
	}

	logger := b.opts.logger.With(
		slog.String("protocol", b.name),
		slog.String("target", target.Address()),
		slog.String("username", creds.Username),
	)

	var detail string
	err := validateRequest(target, creds, b.fields, timeout)
	if err == nil {
		err = Govern(ctx, budget, func(ctx context.Context) error {
			var attemptErr error
			detail, attemptErr = attempt(ctx)
			return attemptErr
		})
	}
	result.Duration = time.Since(result.StartedAt)

	if err == nil {
		result.Succeeded = true
		result.Kind = KindNone
		result.Message = fmt.Sprintf("%s %s: Login succeeded", b.display, b.who(target, creds))
		if detail != "" {
			result.Message += " (" + detail + ")"
		}
		logger.Info("login succeeded",
			slog.Duration("duration", result.Duration),
		)
		return result
	}

	result.Kind = Classify(err)
	result.Message = fmt.Sprintf("%s %s: Login failed (%s): %v",
		b.display, b.who(target, creds), result.Kind, err)
	logger.Error("login failed",
		slog.String("kind", result.Kind.String()),
		slog.String("password", clog.MaskValue),
		slog.Duration("duration", result.Duration),
		slog.Any("error", err),
	)
	return result
}

// who renders "user@host:port", or just "host:port" for probes without a
// user name.
func (b *base) who(target Target, creds Credentials) string {
	if b.fields.Username && creds.Username != "" {
		return creds.Username + "@" + target.Address()
	}
	return target.Address()
}
