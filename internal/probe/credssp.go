package probe

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/bodgit/ntlmssp"
)

// credSSPVersion is the TSRequest version the client announces.
const credSSPVersion = 6

// maxTSRequest bounds the size of a TSRequest read from the server.
const maxTSRequest = 1 << 16

var clientServerHashMagic = []byte("CredSSP Client-To-Server Binding Hash\x00")

// tsRequest is the CredSSP TSRequest message.
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

// ntStatusMessages names the NTSTATUS codes servers return for rejected
// logons.
var ntStatusMessages = map[uint32]string{
	0xC000006D: "logon failure",
	0xC000006A: "wrong password",
	0xC0000064: "no such user",
	0xC000006E: "account restriction",
	0xC000006F: "logon outside allowed hours",
	0xC0000070: "workstation not allowed",
	0xC0000071: "password expired",
	0xC0000072: "account disabled",
	0xC0000193: "account expired",
	0xC0000224: "password must change",
	0xC0000234: "account locked out",
}

// credSSPLogin runs the NTLM part of CredSSP over conn. It returns nil
// once the server accepted the authenticate message. Delegated
// credentials (TSCredentials) are never sent.
func credSSPLogin(conn *tls.Conn, domain, user, password string) error {
	client, err := ntlmssp.NewClient(
		ntlmssp.SetDomain(domain),
		ntlmssp.SetUserInfo(user, password),
		ntlmssp.SetVersion(ntlmssp.DefaultVersion()),
	)
	if err != nil {
		return fmt.Errorf("%w: NTLM client: %v", ErrInvalidRequest, err)
	}

	negotiate, err := client.Authenticate(nil, nil)
	if err != nil {
		return fmt.Errorf("%w: NTLM negotiate: %v", ErrNegotiation, err)
	}
	if err := writeTSRequest(conn, tsRequest{
		Version:    credSSPVersion,
		NegoTokens: []negoToken{{Data: negotiate}},
	}); err != nil {
		return fmt.Errorf("%w: sending NTLM negotiate: %v", ErrNegotiation, err)
	}

	challenge, err := readTSRequest(conn)
	if err != nil {
		return fmt.Errorf("%w: reading NTLM challenge: %v", ErrNegotiation, err)
	}
	if challenge.ErrorCode != 0 {
		return ntStatusError(challenge.ErrorCode, ErrNegotiation)
	}
	if len(challenge.NegoTokens) == 0 {
		return fmt.Errorf("%w: server sent no NTLM challenge", ErrNegotiation)
	}

	authenticate, err := client.Authenticate(challenge.NegoTokens[0].Data, nil)
	if err != nil {
		return fmt.Errorf("%w: NTLM challenge: %v", ErrNegotiation, err)
	}
	security := client.SecuritySession()
	if security == nil {
		return fmt.Errorf("%w: server did not negotiate NTLM sealing", ErrNegotiation)
	}

	pubKey, err := subjectPublicKey(conn.ConnectionState())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	req := tsRequest{
		Version:    credSSPVersion,
		NegoTokens: []negoToken{{Data: authenticate}},
	}
	binding := pubKey
	if min(challenge.Version, credSSPVersion) >= 5 {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("%w: client nonce: %v", ErrNegotiation, err)
		}
		h := sha256.New()
		h.Write(clientServerHashMagic)
		h.Write(nonce)
		h.Write(pubKey)
		binding = h.Sum(nil)
		req.ClientNonce = nonce
	}
	sealed, signature, err := security.Wrap(binding)
	if err != nil {
		return fmt.Errorf("%w: sealing public key: %v", ErrNegotiation, err)
	}
	req.PubKeyAuth = append(signature, sealed...)

	if err := writeTSRequest(conn, req); err != nil {
		return fmt.Errorf("%w: sending NTLM authenticate: %v", ErrNegotiation, err)
	}

	reply, err := readTSRequest(conn)
	if err != nil {
		if Classify(err) == KindTimeout {
			return err
		}
		return fmt.Errorf("%w: server closed the connection after the credentials were sent: %v", ErrAuthentication, err)
	}
	if reply.ErrorCode != 0 {
		return ntStatusError(reply.ErrorCode, ErrAuthentication)
	}
	if len(reply.PubKeyAuth) == 0 {
		return fmt.Errorf("%w: server did not confirm the login", ErrNegotiation)
	}
	return nil
}

// ntStatusError wraps a TSRequest error code. Known logon failures are
// authentication errors; other codes are wrapped with fallback.
func ntStatusError(code int64, fallback error) error {
	status := uint32(code) //nolint:gosec // NTSTATUS is a 32-bit value
	if msg, ok := ntStatusMessages[status]; ok {
		return fmt.Errorf("%w: %s (NTSTATUS %#08x)", ErrAuthentication, msg, status)
	}
	return fmt.Errorf("%w: server reported NTSTATUS %#08x", fallback, status)
}

// subjectPublicKey returns the SubjectPublicKey bit string of the server
// certificate, the value CredSSP binds the exchange to.
func subjectPublicKey(state tls.ConnectionState) ([]byte, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("server presented no certificate")
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(state.PeerCertificates[0].RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("server public key: %w", err)
	}
	return spki.PublicKey.Bytes, nil
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
	b, err := readDER(r)
	if err != nil {
		return req, err
	}
	if _, err := asn1.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("malformed TSRequest: %w", err)
	}
	return req, nil
}

// readDER reads one DER encoded SEQUENCE from r.
func readDER(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != 0x30 {
		return nil, fmt.Errorf("expected a DER sequence, got tag %#x", hdr[0])
	}

	size := int(hdr[1])
	if size&0x80 != 0 {
		n := size & 0x7F
		if n == 0 || n > 4 {
			return nil, fmt.Errorf("unsupported DER length of %d bytes", n)
		}
		lb := make([]byte, n)
		if _, err := io.ReadFull(r, lb); err != nil {
			return nil, err
		}
		hdr = append(hdr, lb...)
		size = 0
		for _, c := range lb {
			size = size<<8 | int(c)
		}
	}
	if size > maxTSRequest {
		return nil, fmt.Errorf("TSRequest of %d bytes is too large", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}
