// Package probetest provides in-process servers for testing probes, in
// the spirit of net/http/httptest. Every server listens on 127.0.0.1 and
// is shut down by t.Cleanup.
package probetest

import (
	"bytes"
	"crypto/des" //nolint:gosec // VNC authentication is DES based
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// SplitAddr splits a listener address into host and port.
func SplitAddr(t testing.TB, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port of %q: %v", addr, err)
	}
	return host, port
}

// listen opens a listener closed at the end of the test and runs serve
// for every accepted connection.
func listen(t testing.TB, serve func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[c] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(conns, c)
					mu.Unlock()
					_ = c.Close()
				}()
				_ = c.SetDeadline(time.Now().Add(30 * time.Second))
				serve(c)
			}()
		}
	}()

	return ln.Addr().String()
}

// ClosedAddr returns a local address nothing listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// NewSilentServer accepts TCP connections and never sends anything,
// like a host whose service hangs after the TCP handshake.
func NewSilentServer(t testing.TB) string {
	t.Helper()

	return listen(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
}

// SSHServer describes an in-process SSH server.
type SSHServer struct {
	// User and Password is the only accepted password login.
	User     string
	Password string
	// AuthorizedKey, when set, is accepted for User.
	AuthorizedKey ssh.PublicKey
}

// Start runs the server and returns its address.
func (s SSHServer) Start(t testing.TB) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == s.User && string(password) == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("password rejected")
		},
		ServerVersion: "SSH-2.0-probetest",
	}
	if s.AuthorizedKey != nil {
		want := s.AuthorizedKey.Marshal()
		config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == s.User && bytes.Equal(key.Marshal(), want) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("key rejected")
		}
	}
	config.AddHostKey(signer)

	return listen(t, func(c net.Conn) {
		conn, chans, reqs, err := ssh.NewServerConn(c, config)
		if err != nil {
			return
		}
		defer conn.Close()
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			_ = ch.Reject(ssh.Prohibited, "probetest accepts no channels")
		}
	})
}

// NewSSHServer starts an SSH server accepting user/password only.
func NewSSHServer(t testing.TB, user, password string) string {
	t.Helper()
	return SSHServer{User: user, Password: password}.Start(t)
}

// NewRFBServer starts an RFB 3.8 server that offers VNC authentication
// and checks the response against password. A correct response is
// followed by ServerInit, the ready signal of an RFB session.
func NewRFBServer(t testing.TB, password string) string {
	t.Helper()

	return listen(t, func(c net.Conn) {
		serveRFB(c, password)
	})
}

func serveRFB(c net.Conn, password string) {
	if _, err := io.WriteString(c, "RFB 003.008\n"); err != nil {
		return
	}
	version := make([]byte, 12)
	if _, err := io.ReadFull(c, version); err != nil {
		return
	}

	// One security type: 2, VNC authentication.
	if _, err := c.Write([]byte{1, 2}); err != nil {
		return
	}
	selected := make([]byte, 1)
	if _, err := io.ReadFull(c, selected); err != nil || selected[0] != 2 {
		return
	}

	challenge := make([]byte, 16)
	_, _ = rand.Read(challenge)
	if _, err := c.Write(challenge); err != nil {
		return
	}
	response := make([]byte, 16)
	if _, err := io.ReadFull(c, response); err != nil {
		return
	}

	if !bytes.Equal(response, vncResponse(password, challenge)) {
		reason := "Authentication failed"
		buf := binary.BigEndian.AppendUint32(nil, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(reason))) //nolint:gosec // constant
		buf = append(buf, reason...)
		_, _ = c.Write(buf)
		return
	}
	if _, err := c.Write(binary.BigEndian.AppendUint32(nil, 0)); err != nil {
		return
	}

	clientInit := make([]byte, 1)
	if _, err := io.ReadFull(c, clientInit); err != nil {
		return
	}

	name := "probetest"
	serverInit := []byte{
		0x04, 0x00, // width 1024
		0x03, 0x00, // height 768
		// pixel format: 32 bpp, depth 24, little endian, true colour,
		// 255 max per channel, shifts 16/8/0, padding
		32, 24, 0, 1, 0, 255, 0, 255, 0, 255, 16, 8, 0, 0, 0, 0,
	}
	serverInit = binary.BigEndian.AppendUint32(serverInit, uint32(len(name))) //nolint:gosec // constant
	serverInit = append(serverInit, name...)
	if _, err := c.Write(serverInit); err != nil {
		return
	}

	_, _ = io.Copy(io.Discard, c)
}

// vncResponse computes the VNC authentication response: the challenge
// DES encrypted with the password, whose key bytes are bit-reversed.
func vncResponse(password string, challenge []byte) []byte {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		var r byte
		for j := range 8 {
			if b&(1<<j) != 0 {
				r |= 1 << (7 - j)
			}
		}
		key[i] = r
	}

	block, err := des.NewCipher(key) //nolint:gosec // mandated by RFB
	if err != nil {
		return nil
	}
	out := make([]byte, len(challenge))
	for i := 0; i+8 <= len(challenge); i += 8 {
		block.Encrypt(out[i:i+8], challenge[i:i+8])
	}
	return out
}
