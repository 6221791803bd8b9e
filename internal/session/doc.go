// Package session implements the login state machine shared by remote
// desktop probes (RDP, VNC), where a successful login is only known
// several asynchronous frames after the TCP connection is up.
//
// A Transport adapts a protocol library. It reports progress through the
// Events callbacks, and the Session turns those callbacks into strictly
// ordered transitions:
//
//	Connecting -> Negotiating -> Authenticated -> Closed
//	     |             |
//	     +-------------+--------> Failed
//
// Callbacks run on a Loop, a small reactor owned by the session unless one
// is injected with WithLoop. The first terminal transition stops the
// timers, closes the transport, produces the outcome and stops an owned
// loop. Everything that arrives later is dropped.
//
// Example:
//
//	s := session.New(transport, 10*time.Second)
//	if err := s.Run(ctx); err != nil {
//		// login failed or timed out
//	}
package session
