package probetest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

const openShellResponse = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" ` +
	`xmlns:w="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd">` +
	`<s:Header><w:SelectorSet><w:Selector Name="ShellId">11111111-2222-3333-4444-555555555555</w:Selector></w:SelectorSet></s:Header>` +
	`<s:Body/></s:Envelope>`

// NewWinRMServer starts a plain HTTP WS-Management endpoint that accepts
// Basic authentication for user/password. Every authorized request gets
// a shell creation response, which also serves as the delete reply.
func NewWinRMServer(t testing.TB, user, password string) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /wsman", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)

		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="WSMAN"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/soap+xml;charset=UTF-8")
		_, _ = io.WriteString(w, openShellResponse)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}
