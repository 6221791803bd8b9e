// Package probe implements authenticated connectivity probes.
//
// A probe performs the minimal handshake needed to prove that a remote
// service accepts a set of credentials, then tears the connection down.
// Every probe satisfies the same contract:
//
//	result := p.Run(ctx, target, creds, timeout)
//
// Run never returns an error and never panics past its own boundary. Every
// failure (unreachable host, rejected credentials, broken negotiation,
// timeout) is reduced to a Result with Succeeded=false, a human-readable
// Message, and an ErrorKind.
//
// # Supported Protocols
//
//   - SSH (port 22): password or public-key authentication
//   - RDP (port 3389): full session login, observed asynchronously
//   - VNC (port 5900): RFB security handshake up to ServerInit
//   - vCenter (port 443): vSphere API login plus a session lookup
//   - Opsview (port 443): REST login plus a "who am I" consistency check
//   - WinRM (port 5985): shell creation over WS-Management
//   - SNMP (port 161): v2c community check against sysName.0
//
// RDP and VNC are session probes: their verdict is reached through the
// state machine in the session package.
//
// # Usage
//
//	registry := probe.NewRegistry(probe.WithLogger(logger))
//	p, err := registry.Resolve("ssh")
//	if err != nil {
//		return err // probe.ErrUnknownProtocol
//	}
//	result := p.Run(ctx, probe.Target{Host: "10.0.0.5", Port: p.DefaultPort()},
//		probe.Credentials{Username: "root", Password: "secret"}, 10*time.Second)
package probe
