package probetest

import (
	"net"
	"testing"

	"github.com/gosnmp/gosnmp"
)

// NewSNMPAgent starts a UDP SNMP v2c agent that answers GET requests
// carrying community with sysName as the value of every requested OID.
// Requests with another community are dropped, as real agents do.
func NewSNMPAgent(t testing.TB, community, sysName string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		_ = pc.Close()
		<-done
	})

	go func() {
		defer close(done)

		decoder := &gosnmp.GoSNMP{Version: gosnmp.Version2c}
		buf := make([]byte, 65535)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := decoder.SnmpDecodePacket(buf[:n])
			if err != nil || req.Community != community || req.PDUType != gosnmp.GetRequest {
				continue
			}

			vars := make([]gosnmp.SnmpPDU, 0, len(req.Variables))
			for _, v := range req.Variables {
				vars = append(vars, gosnmp.SnmpPDU{Name: v.Name, Type: gosnmp.OctetString, Value: sysName})
			}
			resp := &gosnmp.SnmpPacket{
				Version:   gosnmp.Version2c,
				Community: community,
				PDUType:   gosnmp.GetResponse,
				RequestID: req.RequestID,
				Variables: vars,
			}
			out, err := resp.MarshalMsg()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(out, addr)
		}
	}()

	return pc.LocalAddr().String()
}
