package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// oidSysName is SNMPv2-MIB::sysName.0.
const oidSysName = "1.3.6.1.2.1.1.5.0"

// snmpProbe checks an SNMP v2c community string with a single GET. The
// community travels in the password field. Agents silently drop requests
// with a wrong community, so a rejection looks like a timeout.
type snmpProbe struct {
	base
}

func newSNMPProbe(o *options) *snmpProbe {
	return &snmpProbe{base: base{
		name:        "snmp",
		display:     "SNMP",
		description: "SNMP v2c community check (password is the community)",
		port:        161,
		defaults:    Credentials{Password: "public"},
		opts:        o,
	}}
}

// Run implements Probe.
func (p *snmpProbe) Run(ctx context.Context, target Target, creds Credentials, timeout time.Duration) Result {
	creds = creds.withDefaults(p.defaults)
	return p.execute(ctx, target, creds, timeout, timeout, func(ctx context.Context) (string, error) {
		return p.attempt(ctx, target, creds, timeout)
	})
}

func (p *snmpProbe) attempt(ctx context.Context, target Target, creds Credentials, timeout time.Duration) (string, error) {
	g := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    target.Host,
		Port:      uint16(target.Port), //nolint:gosec // validated to 1-65535
		Transport: "udp",
		Version:   gosnmp.Version2c,
		Community: creds.Password,
		Timeout:   timeout,
		Retries:   0,
	}

	if err := g.Connect(); err != nil {
		return "", fmt.Errorf("%w: cannot connect to %s: %v", ErrTransport, target.Address(), err)
	}
	defer g.Conn.Close()
	stop := closeOnDone(ctx, g.Conn)
	defer stop()

	packet, err := g.Get([]string{oidSysName})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			return "", fmt.Errorf("%w: no answer from agent, the community may be wrong: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if packet.Error != gosnmp.NoError {
		return "", fmt.Errorf("%w: agent answered with %s", ErrAuthentication, packet.Error)
	}

	for _, v := range packet.Variables {
		if v.Type == gosnmp.OctetString {
			if b, ok := v.Value.([]byte); ok {
				return "sysName " + string(b), nil
			}
		}
	}
	return "", nil
}
