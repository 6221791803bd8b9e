package probetest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // NTLMv2 is MD5 based
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // NTLM hashes passwords with MD4
)

// RDPMode selects how an RDPServer answers the connection request.
type RDPMode int

const (
	// RDPNLA selects PROTOCOL_HYBRID and checks the NTLM login.
	RDPNLA RDPMode = iota
	// RDPTLSOnly selects PROTOCOL_SSL, a server without NLA.
	RDPTLSOnly
	// RDPRefuseNLA answers with RDP_NEG_FAILURE (TLS required).
	RDPRefuseNLA
	// RDPStall confirms PROTOCOL_HYBRID and then sends nothing.
	RDPStall
)

// statusLogonFailure is STATUS_LOGON_FAILURE as the signed integer
// carried in a TSRequest.
const statusLogonFailure = -0x3FFFFF93

// RDPServer describes an in-process remote desktop server that speaks
// X.224 negotiation and the NTLM exchange of CredSSP.
type RDPServer struct {
	// User and Password is the only accepted login.
	User     string
	Password string
	// Mode selects the negotiation behaviour. The zero value runs NLA.
	Mode RDPMode
	// HangUp closes the connection on a wrong password instead of
	// returning STATUS_LOGON_FAILURE.
	HangUp bool
}

// Start runs the server and returns its address.
func (s RDPServer) Start(t testing.TB) string {
	t.Helper()

	cert := selfSignedCert(t)
	return listen(t, func(c net.Conn) {
		s.serve(c, cert)
	})
}

// NewRDPServer starts an NLA server accepting user/password only.
func NewRDPServer(t testing.TB, user, password string) string {
	t.Helper()
	return RDPServer{User: user, Password: password}.Start(t)
}

type tsRequest struct {
	Version     int         `asn1:"explicit,tag:0"`
	NegoTokens  []negoToken `asn1:"optional,explicit,tag:1"`
	AuthInfo    []byte      `asn1:"optional,explicit,tag:2"`
	PubKeyAuth  []byte      `asn1:"optional,explicit,tag:3"`
	ErrorCode   int64       `asn1:"optional,explicit,tag:4"`
	ClientNonce []byte      `asn1:"optional,explicit,tag:5"`
}

type negoToken struct {
	Data []byte `asn1:"explicit,tag:0"`
}

func (s RDPServer) serve(c net.Conn, cert tls.Certificate) {
	req, err := readTPKT(c)
	if err != nil || len(req) < 2 || req[1] != 0xE0 {
		return
	}

	switch s.Mode {
	case RDPTLSOnly:
		_ = writeConnectionConfirm(c, 0x02, 1)
		_, _ = io.Copy(io.Discard, c)
		return
	case RDPRefuseNLA:
		_ = writeConnectionConfirm(c, 0x03, 1)
		_, _ = io.Copy(io.Discard, c)
		return
	}
	if err := writeConnectionConfirm(c, 0x02, 2); err != nil {
		return
	}
	if s.Mode == RDPStall {
		_, _ = io.Copy(io.Discard, c)
		return
	}

	tc := tls.Server(c, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	defer tc.Close()
	if err := tc.Handshake(); err != nil {
		return
	}

	if _, err := readTSRequest(tc); err != nil {
		return
	}
	serverChallenge := make([]byte, 8)
	_, _ = rand.Read(serverChallenge)
	if err := writeTSRequest(tc, tsRequest{
		Version:    6,
		NegoTokens: []negoToken{{Data: ntlmChallenge(serverChallenge)}},
	}); err != nil {
		return
	}

	auth, err := readTSRequest(tc)
	if err != nil || len(auth.NegoTokens) == 0 {
		return
	}
	if len(auth.PubKeyAuth) > 0 && s.verify(auth.NegoTokens[0].Data, serverChallenge) {
		_ = writeTSRequest(tc, tsRequest{Version: 6, PubKeyAuth: auth.PubKeyAuth})
		_, _ = io.Copy(io.Discard, tc)
		return
	}
	if s.HangUp {
		return
	}
	_ = writeTSRequest(tc, tsRequest{Version: 6, ErrorCode: statusLogonFailure})
}

// verify checks the NTLMv2 response of an AUTHENTICATE message.
func (s RDPServer) verify(msg, serverChallenge []byte) bool {
	if len(msg) < 64 || !bytes.HasPrefix(msg, []byte("NTLMSSP\x00")) || binary.LittleEndian.Uint32(msg[8:12]) != 3 {
		return false
	}
	field := func(off int) []byte {
		n := int(binary.LittleEndian.Uint16(msg[off:]))
		o := int(binary.LittleEndian.Uint32(msg[off+4:]))
		if o+n > len(msg) {
			return nil
		}
		return msg[o : o+n]
	}

	nt := field(20)
	domain := fromUTF16(field(28))
	user := fromUTF16(field(36))
	if !strings.EqualFold(user, s.User) || len(nt) <= 16 {
		return false
	}

	h := md4.New()
	h.Write(toUTF16(s.Password))
	key := hmac.New(md5.New, h.Sum(nil))
	key.Write(toUTF16(strings.ToUpper(user) + domain))

	mac := hmac.New(md5.New, key.Sum(nil))
	mac.Write(serverChallenge)
	mac.Write(nt[16:])
	return hmac.Equal(mac.Sum(nil), nt[:16])
}

// ntlmChallenge builds an NTLM CHALLENGE message offering NTLMv2 with
// signing and sealing.
func ntlmChallenge(serverChallenge []byte) []byte {
	const flags = 1<<0 | // unicode
		1<<4 | // sign
		1<<5 | // seal
		1<<9 | // NTLM
		1<<15 | // always sign
		1<<19 | // extended session security
		1<<23 | // target info
		1<<29 | // 128
		1<<30 | // key exchange
		1<<31 // 56

	domain := toUTF16("TESTLAB")
	targetInfo := binary.LittleEndian.AppendUint16(nil, 2) // NetBIOS domain name
	targetInfo = binary.LittleEndian.AppendUint16(targetInfo, uint16(len(domain))) //nolint:gosec // constant
	targetInfo = append(targetInfo, domain...)
	targetInfo = append(targetInfo, 0, 0, 0, 0)

	const offset = 48
	b := []byte("NTLMSSP\x00")
	b = binary.LittleEndian.AppendUint32(b, 2)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, offset)
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = append(b, serverChallenge...)
	b = append(b, make([]byte, 8)...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(targetInfo))) //nolint:gosec // constant
	b = binary.LittleEndian.AppendUint16(b, uint16(len(targetInfo))) //nolint:gosec // constant
	b = binary.LittleEndian.AppendUint32(b, offset)
	return append(b, targetInfo...)
}

func writeConnectionConfirm(w io.Writer, negType byte, value uint32) error {
	b := []byte{3, 0, 0, 19, 14, 0xD0, 0, 0, 0, 0, 0, negType, 0, 8, 0}
	b = binary.LittleEndian.AppendUint32(b, value)
	_, err := w.Write(b)
	return err
}

func readTPKT(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(hdr[2:4]))
	if hdr[0] != 3 || size < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	payload := make([]byte, size-4)
	_, err := io.ReadFull(r, payload)
	return payload, err
}

func writeTSRequest(w io.Writer, req tsRequest) error {
	b, err := asn1.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readTSRequest(r io.Reader) (tsRequest, error) {
	var req tsRequest
	var raw asn1.RawValue
	dec := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		dec = append(dec, buf[:n]...)
		if _, uerr := asn1.Unmarshal(dec, &raw); uerr == nil {
			_, uerr = asn1.Unmarshal(dec, &req)
			return req, uerr
		}
		if err != nil {
			return req, err
		}
	}
}

func toUTF16(s string) []byte {
	var b []byte
	for _, u := range utf16.Encode([]rune(s)) {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return b
}

func fromUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

// selfSignedCert returns a throwaway ECDSA certificate for 127.0.0.1.
func selfSignedCert(t testing.TB) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "probetest"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
