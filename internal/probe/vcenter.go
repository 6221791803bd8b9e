package probe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	govsession "github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// vcenterProbe logs into the vSphere API, reads back the session and logs
// out again.
type vcenterProbe struct {
	base
}

func newVCenterProbe(o *options) *vcenterProbe {
	return &vcenterProbe{base: base{
		name:        "vcenter",
		display:     "vCenter",
		description: "VMware vCenter / ESXi API login",
		port:        443,
		defaults:    Credentials{Username: "administrator", Domain: "vsphere.local"},
		fields:      Fields{Username: true, Domain: true, TLS: true},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *vcenterProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, timeout, func(ctx context.Context) (string, error) {
		return p.attempt(ctx, target, creds)
	})
}

func (p *vcenterProbe) attempt(ctx context.Context, target Target, creds Credentials) (string, error) {
	u, err := soap.ParseURL("https://" + target.Address() + vim25.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	u.User = url.UserPassword(vcenterPrincipal(creds), creds.Password)

	sc := soap.NewClient(u, p.opts.skipVerify)
	sc.DefaultTransport().DialContext = p.opts.dialer.DialContext
	defer sc.CloseIdleConnections()

	vc, err := vim25.NewClient(ctx, sc)
	if err != nil {
		return "", vcenterError(ctx, target, err)
	}

	m := govsession.NewManager(vc)
	if err := m.Login(ctx, u.User); err != nil {
		return "", vcenterError(ctx, target, err)
	}
	defer func() {
		_ = m.Logout(context.WithoutCancel(ctx)) //nolint:errcheck // best effort
	}()

	us, err := m.UserSession(ctx)
	if err != nil {
		return "", vcenterError(ctx, target, err)
	}
	if us == nil {
		return "", fmt.Errorf("%w: server returned no session after login", ErrAuthentication)
	}

	about := vc.ServiceContent.About
	return fmt.Sprintf("%s, session user %s", about.FullName, us.UserName), nil
}

// vcenterPrincipal renders the SSO principal: "user@domain" unless the
// user name already names a realm.
func vcenterPrincipal(creds Credentials) string {
	if creds.Domain == "" || strings.ContainsAny(creds.Username, `@\`) {
		return creds.Username
	}
	return creds.Username + "@" + creds.Domain
}

func vcenterError(ctx context.Context, target Target, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if soap.IsSoapFault(err) {
		if _, ok := soap.ToSoapFault(err).VimFault().(types.InvalidLogin); ok {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if kind := Classify(err); kind == KindTransport {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%w: cannot connect to %s: %v", ErrTransport, target.Address(), err)
	}
	return err
}
